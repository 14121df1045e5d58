package backend

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"honeyd-engine/pkg/types"
)

// Target placeholders expanded per connection.
const (
	placeholderSrc = "$ipsrc"
	placeholderDst = "$ipdst"
)

// ProxyConfig holds the relay settings.
type ProxyConfig struct {
	DialTimeout time.Duration
	// Queue bounds the writes waiting for the remote side.
	Queue int
}

// DefaultProxyConfig returns the stock settings.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{DialTimeout: 10 * time.Second, Queue: 64}
}

// Proxy relays connections on ports with a proxy action to a real service.
// Dialing and socket I/O run on their own goroutines; data comes back
// through the connection's Endpoint.
type Proxy struct {
	ctx    context.Context
	cfg    ProxyConfig
	dialer net.Dialer
	wg     sync.WaitGroup
}

// NewProxy creates a proxy whose relays stop when ctx is cancelled.
func NewProxy(ctx context.Context, cfg ProxyConfig) *Proxy {
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultProxyConfig().Queue
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultProxyConfig().DialTimeout
	}
	return &Proxy{ctx: ctx, cfg: cfg, dialer: net.Dialer{Timeout: cfg.DialTimeout}}
}

// Wait blocks until every relay has finished.
func (p *Proxy) Wait() { p.wg.Wait() }

// Target expands the placeholders of a proxy target for tuple t.
func Target(target string, t types.Tuple) string {
	r := strings.NewReplacer(placeholderSrc, t.Src.String(), placeholderDst, t.Dst.String())
	host, port, err := net.SplitHostPort(r.Replace(target))
	if err != nil {
		return r.Replace(target)
	}
	return net.JoinHostPort(host, port)
}

func (p *Proxy) OnConnectionEstablished(t types.Tuple, action types.PortAction, ep types.Endpoint) (types.Channel, error) {
	pa, ok := action.(types.ProxyAction)
	if !ok {
		return nil, nil
	}
	network := "tcp"
	if t.Proto == types.ProtoUDP {
		network = "udp"
	}
	addr := Target(pa.Target, t)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("backend: bad proxy target %q: %w", pa.Target, err)
	}

	ch := &relay{
		out:  make(chan []byte, p.cfg.Queue),
		done: make(chan struct{}),
	}
	log.WithFields(log.Fields{"conn": t.String(), "target": addr}).Info("Proxying connection")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ch, network, addr, ep)
	}()
	return ch, nil
}

func (p *Proxy) run(ch *relay, network, addr string, ep types.Endpoint) {
	conn, err := p.dialer.DialContext(p.ctx, network, addr)
	if err != nil {
		log.WithError(err).WithField("target", addr).Warn("Failed to connect proxy target")
		ep.Shutdown()
		return
	}
	defer conn.Close()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				ep.Send(data)
			}
			if err != nil {
				ep.Shutdown()
				return
			}
		}
	}()

	for {
		select {
		case data := <-ch.out:
			if data == nil {
				if cw, ok := conn.(interface{ CloseWrite() error }); ok {
					_ = cw.CloseWrite()
				}
				continue
			}
			if _, err := conn.Write(data); err != nil {
				log.WithError(err).WithField("target", addr).Debug("Proxy write failed")
				return
			}
		case <-ch.done:
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// relay is the engine side of a proxied connection. Writes never block the
// reactor; a full queue reports ErrBackpressure.
type relay struct {
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

func (r *relay) Write(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case r.out <- data:
		return len(p), nil
	default:
		return 0, ErrBackpressure
	}
}

// CloseWrite queues a half close behind the pending writes.
func (r *relay) CloseWrite() error {
	if r.closed {
		return ErrClosed
	}
	select {
	case r.out <- nil:
		return nil
	default:
		return ErrBackpressure
	}
}

func (r *relay) Close() error {
	r.closeOnce.Do(func() {
		r.closed = true
		close(r.done)
	})
	return nil
}
