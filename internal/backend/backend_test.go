package backend

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honeyd-engine/pkg/types"
)

type endpoint struct {
	mu       sync.Mutex
	data     bytes.Buffer
	shutdown bool
}

func (e *endpoint) Send(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data.Write(p)
}

func (e *endpoint) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
}

func (e *endpoint) received() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.String(), e.shutdown
}

var tuple = types.Tuple{
	Family: types.FamilyIPv4,
	Proto:  types.ProtoTCP,
	Src:    netip.MustParseAddr("192.0.2.1"),
	Dst:    netip.MustParseAddr("10.0.0.5"),
	SPort:  40000,
	DPort:  80,
}

func TestDiscard_CountsOpenPorts(t *testing.T) {
	d := &Discard{}
	ch, err := d.OnConnectionEstablished(tuple, types.OpenAction{}, &endpoint{})
	require.NoError(t, err)
	require.NotNil(t, ch)

	n, err := ch.Write([]byte("GET / HTTP/1.0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, uint64(16), d.Bytes())

	require.NoError(t, ch.Close())
	_, err = ch.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	ch, err = d.OnConnectionEstablished(tuple, types.ProxyAction{Target: "127.0.0.1:1"}, &endpoint{})
	require.NoError(t, err)
	assert.Nil(t, ch)
}

func TestTarget_ExpandsPlaceholders(t *testing.T) {
	assert.Equal(t, "192.0.2.1:22", Target("$ipsrc:22", tuple))
	assert.Equal(t, "10.0.0.5:8080", Target("$ipdst:8080", tuple))

	v6 := tuple
	v6.Src = netip.MustParseAddr("2001:db8::1")
	assert.Equal(t, "[2001:db8::1]:22", Target("[$ipsrc]:22", v6))
}

func TestChain_FirstServingBackendWins(t *testing.T) {
	d := &Discard{}
	p := NewProxy(context.Background(), DefaultProxyConfig())
	c := Chain{p, d}

	ch, err := c.OnConnectionEstablished(tuple, types.OpenAction{}, &endpoint{})
	require.NoError(t, err)
	assert.IsType(t, &discardChannel{}, ch)

	ch, err = c.OnConnectionEstablished(tuple, types.BlockAction{}, &endpoint{})
	require.NoError(t, err)
	assert.Nil(t, ch)

	_, err = c.OnConnectionEstablished(tuple, types.ProxyAction{Target: "no-port"}, &endpoint{})
	assert.Error(t, err)
}

func TestProxy_RelaysTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		got, _ := io.ReadAll(conn)
		_, _ = conn.Write(bytes.ToUpper(got))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProxy(ctx, DefaultProxyConfig())
	ep := &endpoint{}
	ch, err := p.OnConnectionEstablished(tuple, types.ProxyAction{Target: ln.Addr().String()}, ep)
	require.NoError(t, err)

	_, err = ch.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = ch.Write([]byte("proxy"))
	require.NoError(t, err)
	require.NoError(t, ch.CloseWrite())

	require.Eventually(t, func() bool {
		data, shut := ep.received()
		return data == "HELLO PROXY" && shut
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Close())
	cancel()
	p.Wait()
}

func TestProxy_DialFailureShutsEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewProxy(context.Background(), ProxyConfig{DialTimeout: time.Second})
	ep := &endpoint{}
	_, err = p.OnConnectionEstablished(tuple, types.ProxyAction{Target: addr}, ep)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, shut := ep.received()
		return shut
	}, 5*time.Second, 10*time.Millisecond)
	p.Wait()
}

func TestRelay_Backpressure(t *testing.T) {
	r := &relay{out: make(chan []byte, 1), done: make(chan struct{})}
	_, err := r.Write([]byte("a"))
	require.NoError(t, err)
	_, err = r.Write([]byte("b"))
	assert.ErrorIs(t, err, ErrBackpressure)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.Write([]byte("c"))
	assert.ErrorIs(t, err, ErrClosed)
}
