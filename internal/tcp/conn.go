// Package tcp emulates the TCP endpoints of virtual hosts.
package tcp

import (
	"encoding/binary"
	"time"

	"honeyd-engine/internal/conntable"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

// State is a TCP connection state. Closed connections are removed from the
// table immediately and have no state of their own.
type State uint8

const (
	StateListen State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateClosing
	StateFinWait1
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateFinWait1:
		return "FIN_WAIT_1"
	}
	return "UNKNOWN"
}

// maxReadBuf bounds data held for a backend that is not keeping up.
const maxReadBuf = 64 * 1024

// Conn is one emulated TCP connection.
type Conn struct {
	Tuple types.Tuple
	State State

	tmpl   *types.Template
	action types.PortAction
	entry  *conntable.Entry[*Conn]

	sndUna    uint32
	rcvNext   uint32
	lastAcked uint32

	// payload holds unacknowledged outbound data; poff is how much of it
	// is in flight.
	payload []byte
	poff    int
	readBuf []byte

	mss           uint16
	window        uint16
	sawWScale     bool
	sawTimestamp  bool
	echoTimestamp uint32

	retrans     *timer.Timer
	retransTime int
	dupAcks     int

	tarpit   bool
	sentFIN  bool
	finAcked bool
	rcvFlags types.TCPFlags

	channel           types.Channel
	connected         bool
	pendingCloseWrite bool
	flush             *timer.Timer
	flushTries        int

	Received uint64
	Sent     uint64
}

// SndUna returns the oldest unacknowledged sequence number.
func (c *Conn) SndUna() uint32 { return c.sndUna }

// RcvNext returns the next expected sequence number.
func (c *Conn) RcvNext() uint32 { return c.rcvNext }

// RetransTime returns the current retransmission interval in seconds.
func (c *Conn) RetransTime() int { return c.retransTime }

// Live reports whether the connection is still in the table.
func (c *Conn) Live() bool { return c.entry != nil && c.entry.Live() }

func (c *Conn) personality() types.Personality {
	if c.tmpl == nil {
		return nil
	}
	return c.tmpl.Personality
}

func (c *Conn) spoof() types.Spoof {
	if c.tmpl == nil {
		return types.Spoof{}
	}
	return c.tmpl.Spoof
}

// doOptions records the peer's MSS, window scale and timestamp options.
// Malformed options end the walk without failing the segment.
func (c *Conn) doOptions(opts []byte, onSYN bool) {
	i := 0
walk:
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case 1:
			i++
			continue
		case 0:
			break walk
		}
		if i+1 >= len(opts) {
			break
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			break
		}
		switch kind {
		case 2:
			if !onSYN && l == 4 {
				c.mss = binary.BigEndian.Uint16(opts[i+2:])
			}
		case 3:
			if !onSYN {
				c.sawWScale = true
			}
		case 8:
			if l == 10 {
				c.sawTimestamp = true
				c.echoTimestamp = binary.BigEndian.Uint32(opts[i+2:])
			}
		}
		i += l
	}
}

// addRead queues inbound data for the backend and returns how much of it
// fit in the read buffer.
func (c *Conn) addRead(data []byte) int {
	room := maxReadBuf - len(c.readBuf)
	if room <= 0 {
		return 0
	}
	if len(data) > room {
		data = data[:room]
	}
	c.readBuf = append(c.readBuf, data...)
	return len(data)
}

// drain drops acknowledged bytes from the send buffer.
func (c *Conn) drain(n int) {
	if n <= 0 {
		return
	}
	if n > len(c.payload) {
		n = len(c.payload)
	}
	c.payload = c.payload[n:]
	if len(c.payload) == 0 {
		c.payload = nil
	}
	c.poff -= n
	if c.poff < 0 {
		c.poff = 0
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
