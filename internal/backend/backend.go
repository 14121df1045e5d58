// Package backend attaches services to the connections the virtual hosts
// accept.
package backend

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"honeyd-engine/pkg/types"
)

var (
	ErrClosed       = errors.New("backend: channel closed")
	ErrBackpressure = errors.New("backend: channel full")
)

// Chain offers a connection to each backend in turn until one serves it.
type Chain []types.Backend

func (c Chain) OnConnectionEstablished(t types.Tuple, action types.PortAction, ep types.Endpoint) (types.Channel, error) {
	for _, b := range c {
		ch, err := b.OnConnectionEstablished(t, action, ep)
		if err != nil || ch != nil {
			return ch, err
		}
	}
	return nil, nil
}

// Discard serves open ports by swallowing whatever the peer sends.
type Discard struct {
	bytes atomic.Uint64
}

// Bytes returns the number of octets discarded so far.
func (d *Discard) Bytes() uint64 { return d.bytes.Load() }

func (d *Discard) OnConnectionEstablished(t types.Tuple, action types.PortAction, _ types.Endpoint) (types.Channel, error) {
	if _, ok := action.(types.OpenAction); !ok {
		return nil, nil
	}
	log.WithField("conn", t.String()).Debug("Discarding connection data")
	return &discardChannel{d: d}, nil
}

type discardChannel struct {
	d      *Discard
	closed bool
}

func (c *discardChannel) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	c.d.bytes.Add(uint64(len(p)))
	return len(p), nil
}

func (c *discardChannel) CloseWrite() error { return nil }

func (c *discardChannel) Close() error {
	c.closed = true
	return nil
}
