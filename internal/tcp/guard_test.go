package tcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"honeyd-engine/pkg/types"
)

func TestCheckSeqOrAck(t *testing.T) {
	const rcvNext = 1000
	tests := []struct {
		name string
		seg  segment
		want verdict
	}{
		{"reset in window", segment{flags: types.FlagRST, seq: rcvNext}, verdictClose},
		{"reset out of window", segment{flags: types.FlagRST, seq: rcvNext + 1}, verdictDrop},
		{"no ack", segment{flags: types.FlagPSH, seq: rcvNext}, verdictDrop},
		{"future data", segment{flags: types.FlagACK, seq: rcvNext + 10}, verdictDropAck},
		{"old data", segment{flags: types.FlagACK, seq: rcvNext - 10}, verdictContinue},
		{"in order", segment{flags: types.FlagACK, seq: rcvNext}, verdictContinue},
		{"wraps", segment{flags: types.FlagACK, seq: 5}, verdictContinue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checkSeqOrAck(tt.seg, rcvNext))
		})
	}
}

func TestCheckSeqOrAck_Wraparound(t *testing.T) {
	seg := segment{flags: types.FlagACK, seq: 10}
	assert.Equal(t, verdictDropAck, checkSeqOrAck(seg, 0xfffffff0))
}

func TestRecvSendData(t *testing.T) {
	tests := []struct {
		name string
		in   dataInput
		want dataResult
	}{
		{
			name: "new data",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 50, dlen: 10},
				rcvNext: 100, sndUna: 50, hasBackend: true},
			want: dataResult{flags: types.FlagACK, newData: 0, dlen: 10},
		},
		{
			name: "partially seen",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 96, ack: 50, dlen: 10},
				rcvNext: 100, sndUna: 50},
			want: dataResult{flags: types.FlagACK, newData: 4, dlen: 6},
		},
		{
			name: "retransmitted fin is stale",
			in: dataInput{seg: segment{flags: types.FlagACK | types.FlagFIN, seq: 90, ack: 50, dlen: 5},
				rcvNext: 100, sndUna: 50},
			want: dataResult{flags: types.FlagACK, newData: 5, dlen: 0},
		},
		{
			name: "bare fin kept",
			in: dataInput{seg: segment{flags: types.FlagACK | types.FlagFIN, seq: 100, ack: 50},
				rcvNext: 100, sndUna: 50},
			want: dataResult{flags: types.FlagACK | types.FlagFIN},
		},
		{
			name: "partial ack drains",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 80},
				rcvNext: 100, sndUna: 50, plen: 100, maxSend: 512, hasBackend: true},
			want: dataResult{flags: types.FlagACK, acked: 30, drained: 30},
		},
		{
			name: "ack beyond payload clamps",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 500},
				rcvNext: 100, sndUna: 50, plen: 100, maxSend: 512, hasBackend: true},
			want: dataResult{flags: types.FlagACK, acked: 100, drained: 100},
		},
		{
			name: "ack covers payload and fin",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 151},
				rcvNext: 100, sndUna: 50, plen: 100, maxSend: 512, sentFIN: true, hasBackend: true},
			want: dataResult{flags: types.FlagACK, acked: 101, drained: 100, finAcked: true},
		},
		{
			name: "old ack is not negative",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 40},
				rcvNext: 100, sndUna: 50, plen: 100, maxSend: 512, hasBackend: true},
			want: dataResult{flags: types.FlagACK},
		},
		{
			name: "backendless sender closes once tail fits",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 550},
				rcvNext: 100, sndUna: 50, plen: 1000, maxSend: 512},
			want: dataResult{flags: types.FlagACK, acked: 500, drained: 500, setSentFIN: true},
		},
		{
			name: "fin ack without payload",
			in: dataInput{seg: segment{flags: types.FlagACK, seq: 100, ack: 51},
				rcvNext: 100, sndUna: 50, sentFIN: true},
			want: dataResult{flags: types.FlagACK, acked: 1, finAcked: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recvSendData(tt.in)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(dataResult{})); diff != "" {
				t.Errorf("recvSendData mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConn_DoOptions(t *testing.T) {
	tests := []struct {
		name     string
		opts     []byte
		onSYN    bool
		wantMSS  uint16
		wantWS   bool
		wantTS   bool
		wantEcho uint32
	}{
		{name: "mss recorded off syn", opts: []byte{2, 4, 0x05, 0xb4}, wantMSS: 1460},
		{name: "mss ignored on syn", opts: []byte{2, 4, 0x05, 0xb4}, onSYN: true},
		{name: "nops then wscale", opts: []byte{1, 1, 3, 3, 7}, wantWS: true},
		{name: "timestamp on syn", opts: []byte{8, 10, 0, 0, 0, 9, 0, 0, 0, 0}, onSYN: true, wantTS: true, wantEcho: 9},
		{name: "eol stops", opts: []byte{0, 2, 4, 0x05, 0xb4}},
		{name: "truncated kind", opts: []byte{2}},
		{name: "zero length", opts: []byte{2, 0, 2, 4, 0x05, 0xb4}},
		{name: "length overruns", opts: []byte{8, 10, 1, 2, 3}},
		{name: "bad mss length skipped", opts: []byte{2, 3, 5, 3, 3, 7}, wantWS: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conn{}
			assert.NotPanics(t, func() { c.doOptions(tt.opts, tt.onSYN) })
			assert.Equal(t, tt.wantMSS, c.mss)
			assert.Equal(t, tt.wantWS, c.sawWScale)
			assert.Equal(t, tt.wantTS, c.sawTimestamp)
			assert.Equal(t, tt.wantEcho, c.echoTimestamp)
		})
	}
}
