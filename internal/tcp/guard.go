package tcp

import "honeyd-engine/pkg/types"

// verdict is the outcome of the sequence check on an inbound segment.
type verdict uint8

const (
	verdictContinue verdict = iota
	verdictDrop
	// verdictDropAck drops the segment after acknowledging it.
	verdictDropAck
	verdictClose
)

// segment is the part of an inbound segment the guards look at.
type segment struct {
	flags types.TCPFlags
	seq   uint32
	ack   uint32
	dlen  int
}

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

// checkSeqOrAck screens a segment on a synchronized connection.
func checkSeqOrAck(seg segment, rcvNext uint32) verdict {
	if seg.flags.Has(types.FlagRST) {
		if seg.seq != rcvNext {
			return verdictDrop
		}
		return verdictClose
	}
	if !seg.flags.Has(types.FlagACK) {
		return verdictDrop
	}
	if seqGT(seg.seq, rcvNext) {
		return verdictDropAck
	}
	return verdictContinue
}

// dataInput is the connection state recvSendData depends on.
type dataInput struct {
	seg        segment
	rcvNext    uint32
	sndUna     uint32
	plen       int
	maxSend    int
	sentFIN    bool
	hasBackend bool
}

// dataResult is the bookkeeping recvSendData decided on.
type dataResult struct {
	// flags is the segment's flags with a stale FIN stripped.
	flags types.TCPFlags
	// newData is the offset of the first unseen byte in the payload and
	// dlen the number of unseen bytes.
	newData int
	dlen    int
	// acked is the sequence space acknowledged, counting our FIN; drained
	// is the number of payload bytes that can be released.
	acked    int
	drained  int
	finAcked bool
	// setSentFIN closes a connection that has no backend once its
	// remaining payload fits in one send.
	setSentFIN bool
}

// recvSendData works out how much of a segment is new data and how much of
// our payload it acknowledges.
func recvSendData(in dataInput) dataResult {
	seg := in.seg
	res := dataResult{flags: seg.flags}

	doff := int(int32(in.rcvNext - seg.seq))
	if doff < 0 {
		doff = 0
	}
	if doff > seg.dlen || (doff == seg.dlen && !seg.flags.Has(types.FlagFIN)) {
		res.flags &^= types.FlagFIN
		doff = seg.dlen
	}
	res.newData = doff
	res.dlen = seg.dlen - doff

	if in.plen > 0 {
		acked := int(int32(seg.ack - in.sndUna))
		if acked < 0 {
			acked = 0
		}
		if acked > in.plen {
			if in.sentFIN && acked == in.plen+1 {
				res.finAcked = true
				res.acked = 1
			}
			acked = in.plen
		}
		res.drained = acked
		res.acked += acked
		if !in.hasBackend && in.plen-acked <= in.maxSend {
			res.setSentFIN = true
		}
	} else if in.sentFIN && seg.ack == in.sndUna+1 {
		res.acked = 1
		res.finAcked = true
	}
	return res
}
