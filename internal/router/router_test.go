package router

import (
	"bytes"
	"math/rand/v2"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/enginetest"
	"honeyd-engine/internal/frag"
	"honeyd-engine/internal/icmp"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

var (
	outside = netip.MustParseAddr("192.0.2.1")
	r1Addr  = netip.MustParseAddr("10.0.0.1")
	r2Addr  = netip.MustParseAddr("10.1.0.1")
	web     = netip.MustParseAddr("10.1.0.5")

	hostMAC  = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	ifaceMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x00, 0x00, 0x01}
)

type dispatched struct {
	tmpl *types.Template
	pkt  []byte
}

type recorder struct{ got []dispatched }

func (d *recorder) Dispatch4(tmpl *types.Template, pkt []byte) {
	d.got = append(d.got, dispatched{tmpl, bytes.Clone(pkt)})
}

func (d *recorder) Dispatch6(tmpl *types.Template, pkt []byte) {
	d.got = append(d.got, dispatched{tmpl, bytes.Clone(pkt)})
}

type fakeLinks struct{}

func (fakeLinks) Responsible(netip.Addr) string { return "eth0" }

func (fakeLinks) MAC(iface string) net.HardwareAddr {
	if iface == "eth0" {
		return ifaceMAC
	}
	return nil
}

type rig struct {
	r     *Router
	sched *timer.Scheduler
	clk   *timer.ManualClock
	arena *arena.Arena
	emit  *enginetest.Emitter
	disp  *recorder
	store *enginetest.Store
	icmp  *icmp.Handler
	topo  *Topology
}

// newRig builds two routers: r1 is the entry for 10.0.0.0/8 and reaches
// 10.1.0.0/16 through r2 over a 10ms link.
func newRig(t *testing.T, enabled bool) *rig {
	t.Helper()
	sched, clk := enginetest.NewScheduler()
	rg := &rig{
		sched: sched,
		clk:   clk,
		arena: arena.New(2048, 4),
		emit:  &enginetest.Emitter{},
		disp:  &recorder{},
		store: &enginetest.Store{Hosts: map[netip.Addr]*types.Template{
			web: {Name: "web"},
		}},
		topo: NewTopology(),
	}
	r1, err := rg.topo.AddRouter(r1Addr)
	require.NoError(t, err)
	r2, err := rg.topo.AddRouter(r2Addr)
	require.NoError(t, err)
	require.NoError(t, rg.topo.AddEntry(r1Addr, netip.MustParsePrefix("10.0.0.0/8")))
	require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{
		Net: netip.MustParsePrefix("10.1.0.0/16"), Type: RouteNet, Gateway: r2, Link: NewLink(10*time.Millisecond, 0, 0),
	}))
	require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{Net: netip.MustParsePrefix("10.0.0.0/24"), Type: RouteLink}))
	require.NoError(t, rg.topo.AddRoute(r2Addr, RouteEntry{Net: netip.MustParsePrefix("10.1.0.0/24"), Type: RouteLink}))
	require.NoError(t, rg.topo.AddRoute(r2Addr, RouteEntry{
		Net: netip.MustParsePrefix("0.0.0.0/0"), Type: RouteNet, Gateway: r1, Link: NewLink(10*time.Millisecond, 0, 0),
	}))

	rng := rand.New(rand.NewPCG(1, 2))
	rg.r = New(Config{Enabled: enabled, MTU: 1500, TTL: 64}, Deps{
		Topology:  rg.topo,
		Arena:     rg.arena,
		Sched:     sched,
		Emitter:   rg.emit,
		Templates: rg.store,
		Links:     fakeLinks{},
		Frag4:     frag.NewReassembler4(rg.arena, sched, 0, nil),
		Frag6:     frag.NewReassembler6(rg.arena, sched, 0, nil),
		Rand:      rng,
	})
	rg.icmp = icmp.NewHandler(icmp.DefaultConfig(), icmp.Deps{
		Out:       rg.r,
		Link:      rg.emit,
		Templates: rg.store,
		Rand:      rng,
	})
	rg.r.SetHandlers(rg.icmp, rg.disp)
	return rg
}

func (rg *rig) advance(d time.Duration) {
	rg.clk.Advance(d)
	rg.sched.RunDue()
}

func udpPkt(src, dst netip.Addr, payload []byte) []byte {
	return enginetest.UDPPacket(src, dst, 5353, 53, payload)
}

func TestTopology_LongestPrefixMatch(t *testing.T) {
	topo := NewTopology()
	n, err := topo.AddRouter(r1Addr)
	require.NoError(t, err)
	_, err = topo.AddRouter(r1Addr)
	assert.ErrorIs(t, err, ErrRouterExists)

	require.NoError(t, topo.AddRoute(r1Addr, RouteEntry{Net: netip.MustParsePrefix("10.0.0.0/8"), Type: RouteUnreach}))
	require.NoError(t, topo.AddRoute(r1Addr, RouteEntry{Net: netip.MustParsePrefix("10.1.0.0/16"), Type: RouteLink}))
	assert.Equal(t, RouteLink, n.Lookup(netip.MustParseAddr("10.1.2.3")).Type)
	assert.Equal(t, RouteUnreach, n.Lookup(netip.MustParseAddr("10.2.0.1")).Type)
	assert.Nil(t, n.Lookup(outside))

	assert.Same(t, n, topo.Reverse(netip.MustParseAddr("10.1.9.9")), "link routes feed the reverse map")
	assert.ErrorIs(t, topo.AddRoute(netip.MustParseAddr("10.9.9.9"), RouteEntry{}), ErrUnknownRouter)
	assert.Error(t, topo.AddRoute(r1Addr, RouteEntry{Net: netip.MustParsePrefix("10.3.0.0/16"), Type: RouteNet}))
}

func TestTopology_EntryFallsBackToFirst(t *testing.T) {
	topo := NewTopology()
	_, _ = topo.AddRouter(r1Addr)
	_, _ = topo.AddRouter(r2Addr)
	require.NoError(t, topo.AddEntry(r1Addr))
	require.NoError(t, topo.AddEntry(r2Addr, netip.MustParsePrefix("10.1.0.0/16")))

	assert.Equal(t, r2Addr, topo.EntryFor(web).Addr)
	assert.Equal(t, r1Addr, topo.EntryFor(outside).Addr)
	assert.Nil(t, topo.FirstEntry(types.FamilyIPv6))
}

func TestRouter_Input_ChargesLatencyAndTTL(t *testing.T) {
	rg := newRig(t, true)
	rg.r.Input("eth0", udpPkt(outside, web, []byte("query")))

	rg.advance(9 * time.Millisecond)
	assert.Empty(t, rg.disp.got, "delivered before the link latency")

	rg.advance(time.Millisecond)
	require.Len(t, rg.disp.got, 1)
	got := rg.disp.got[0]
	assert.Equal(t, "web", got.tmpl.Name)
	assert.Equal(t, uint8(62), packet.TTL(got.pkt), "one decrement per router")
	assert.True(t, packet.IPv4(got.pkt).ChecksumOK())
	assert.Zero(t, rg.arena.InUse(), "delayed buffer is freed after delivery")
}

func TestRouter_Route_TwoHopLoss(t *testing.T) {
	rg := newRig(t, true)
	r3Addr := netip.MustParseAddr("10.2.0.1")
	r3, err := rg.topo.AddRouter(r3Addr)
	require.NoError(t, err)
	r2 := rg.topo.Router(r2Addr)
	lossy := netip.MustParsePrefix("10.2.0.0/16")
	require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{Net: lossy, Type: RouteNet, Gateway: r2, Link: NewLink(0, 0, 2000)}))
	require.NoError(t, rg.topo.AddRoute(r2Addr, RouteEntry{Net: lossy, Type: RouteNet, Gateway: r3, Link: NewLink(0, 0, 3000)}))
	require.NoError(t, rg.topo.AddRoute(r3Addr, RouteEntry{Net: netip.MustParsePrefix("10.2.0.0/24"), Type: RouteLink}))

	dst := netip.MustParseAddr("10.2.0.9")
	const n = 20000
	drops := 0
	for i := 0; i < n; i++ {
		fwd, delay, _ := rg.r.Route(udpPkt(outside, dst, nil), rg.topo.Router(r1Addr), dst)
		if fwd == ForwardDrop {
			drops++
			continue
		}
		assert.Equal(t, ForwardInternal, fwd)
		assert.Equal(t, 2*defaultLatency, delay)
	}
	want := 1 - (1-0.2)*(1-0.3)
	assert.InDelta(t, want, float64(drops)/n, 0.02)
}

func TestRouter_Route_RandomEarlyDrop(t *testing.T) {
	tests := []struct {
		name      string
		low, high int
		dropped   bool
	}{
		{"disabled", 0, 0, false},
		{"below low", 100, 200, false},
		{"above high", 10, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := newRig(t, true)
			link := NewLink(0, 8000, 0)
			link.Low, link.High = tt.low, tt.high
			slow := netip.MustParsePrefix("10.3.0.0/16")
			require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{Net: slow, Type: RouteNet, Gateway: rg.topo.Router(r2Addr), Link: link}))
			require.NoError(t, rg.topo.AddRoute(r2Addr, RouteEntry{Net: slow, Type: RouteLink}))

			dst := netip.MustParseAddr("10.3.0.9")
			// 50 bytes at 8000 bit/s queue for 50ms.
			pkt := udpPkt(outside, dst, make([]byte, 22))
			require.Len(t, pkt, 50)

			fwd, delay, _ := rg.r.Route(bytes.Clone(pkt), rg.topo.Router(r1Addr), dst)
			require.Equal(t, ForwardInternal, fwd)
			assert.Equal(t, defaultLatency+50*time.Millisecond, delay)

			fwd, delay, _ = rg.r.Route(bytes.Clone(pkt), rg.topo.Router(r1Addr), dst)
			if tt.dropped {
				assert.Equal(t, ForwardDrop, fwd)
				return
			}
			require.Equal(t, ForwardInternal, fwd)
			assert.Equal(t, defaultLatency+100*time.Millisecond, delay, "waits for the queued packet")
		})
	}
}

func TestRouter_TTLExceeded_FromRouter(t *testing.T) {
	rg := newRig(t, true)
	pkt := udpPkt(outside, web, []byte("trace"))
	packet.SetTTL(pkt, 2)
	rg.r.Input("eth0", pkt)
	assert.Empty(t, rg.disp.got)

	rg.advance(10 * time.Millisecond)
	require.Zero(t, rg.emit.Len(), "the error crosses a link back first")
	rg.advance(10 * time.Millisecond)
	require.Equal(t, 1, rg.emit.Len())

	out := rg.emit.Frames[0]
	assert.Equal(t, "ip", out.Kind)
	ip := packet.IPv4(out.Pkt)
	assert.Equal(t, r2Addr, ip.Src())
	assert.Equal(t, outside, ip.Dst())
	assert.Equal(t, uint8(63), ip.TTL(), "router originated packets skip the first decrement")

	msg := enginetest.Decode(out.Pkt).Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	assert.Equal(t, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, 0), msg.TypeCode)
	assert.Equal(t, uint8(1), packet.TTL(msg.Payload), "quote carries the TTL it arrived with")
	assert.Empty(t, rg.disp.got)
	assert.Zero(t, rg.arena.InUse())
}

func TestRouter_UnreachRoute_SendsNetUnreachable(t *testing.T) {
	rg := newRig(t, true)
	require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{Net: netip.MustParsePrefix("10.9.0.0/16"), Type: RouteUnreach}))
	rg.r.Input("eth0", udpPkt(outside, netip.MustParseAddr("10.9.0.5"), nil))

	require.Equal(t, 1, rg.emit.Len())
	out := rg.emit.Frames[0].Pkt
	assert.Equal(t, r1Addr, packet.IPv4(out).Src())
	msg := enginetest.Decode(out).Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	assert.Equal(t, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeNet), msg.TypeCode)
}

func TestRouter_TunnelRoute_EncapsulatesGRE(t *testing.T) {
	rg := newRig(t, true)
	remote := netip.MustParseAddr("198.51.100.7")
	require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{
		Net: netip.MustParsePrefix("172.16.0.0/16"), Type: RouteTunnel, TunnelSrc: r1Addr, TunnelDst: remote,
	}))
	inner := netip.MustParseAddr("172.16.0.9")
	rg.r.Input("eth0", udpPkt(outside, inner, []byte("x")))

	require.Equal(t, 1, rg.emit.Len())
	p := enginetest.Decode(rg.emit.Frames[0].Pkt)
	outer := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, layers.IPProtocolGRE, outer.Protocol)
	assert.Equal(t, net.IP(r1Addr.AsSlice()).String(), outer.SrcIP.String())
	assert.Equal(t, net.IP(remote.AsSlice()).String(), outer.DstIP.String())
	gre := p.Layer(layers.LayerTypeGRE).(*layers.GRE)
	assert.Equal(t, layers.EthernetTypeIPv4, gre.Protocol)
	assert.Equal(t, inner, packet.IPv4(gre.Payload).Dst())
}

func TestRouter_Input_DecapsulatesGRE(t *testing.T) {
	remote := netip.MustParseAddr("198.51.100.7")
	tests := []struct {
		name      string
		from      netip.Addr
		innerSrc  netip.Addr
		delivered bool
	}{
		{"legitimate", remote, netip.MustParseAddr("172.16.0.9"), true},
		{"spoofed inner source", remote, netip.MustParseAddr("10.5.5.5"), false},
		{"unknown endpoint", netip.MustParseAddr("198.51.100.8"), netip.MustParseAddr("172.16.0.9"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := newRig(t, true)
			require.NoError(t, rg.topo.AddRoute(r1Addr, RouteEntry{
				Net: netip.MustParsePrefix("172.16.0.0/16"), Type: RouteTunnel, TunnelSrc: r1Addr, TunnelDst: remote,
			}))
			gre, err := packet.BuildGRE(packet.IPParams{Src: tt.from, Dst: r1Addr, TTL: 64}, udpPkt(tt.innerSrc, web, []byte("tunneled")))
			require.NoError(t, err)

			rg.r.Input("eth0", gre)
			rg.advance(10 * time.Millisecond)
			if !tt.delivered {
				assert.Empty(t, rg.disp.got)
				return
			}
			require.Len(t, rg.disp.got, 1)
			assert.Equal(t, tt.innerSrc, packet.IPv4(rg.disp.got[0].pkt).Src())
		})
	}
}

func TestRouter_Disabled_DeliversDirectly(t *testing.T) {
	rg := newRig(t, false)
	rg.r.Input("eth0", udpPkt(outside, web, nil))
	require.Len(t, rg.disp.got, 1)
	assert.Equal(t, uint8(64), packet.TTL(rg.disp.got[0].pkt))

	rg.store.Hosts[web].DropInRate = 10000
	rg.r.Input("eth0", udpPkt(outside, web, nil))
	assert.Len(t, rg.disp.got, 1, "drop rate applies to inbound packets")
}

func TestRouter_Disabled_ReassemblesFragments(t *testing.T) {
	rg := newRig(t, false)
	frags, err := frag.Fragment4(udpPkt(outside, web, make([]byte, 1000)), 576)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)
	for _, f := range frags {
		rg.r.Input("eth0", f)
	}
	require.Len(t, rg.disp.got, 1)
	assert.Len(t, rg.disp.got[0].pkt, 1028)
	assert.Zero(t, rg.arena.InUse())
}

func TestRouter_SendIP_FragmentsOverMTU(t *testing.T) {
	rg := newRig(t, false)
	rg.r.cfg.MTU = 576
	rg.r.SendIP(udpPkt(web, outside, make([]byte, 1000)), types.Spoof{})
	require.Greater(t, rg.emit.Len(), 1)
	for _, f := range rg.emit.Frames {
		assert.LessOrEqual(t, len(f.Pkt), 576)
	}

	rg.emit.Frames = nil
	df, err := packet.BuildUDP(packet.IPParams{Src: web, Dst: outside, TTL: 64, DF: true}, 53, 5353, make([]byte, 1000))
	require.NoError(t, err)
	rg.r.SendIP(df, types.Spoof{})
	assert.Zero(t, rg.emit.Len(), "DF packets over the MTU are dropped")
}

func TestRouter_SendIP_AppliesSpoof(t *testing.T) {
	rg := newRig(t, false)
	fake := netip.MustParseAddr("10.1.0.99")
	rg.r.SendIP(udpPkt(web, outside, []byte("answer")), types.Spoof{Src: fake})

	require.Equal(t, 1, rg.emit.Len())
	ip := packet.IPv4(rg.emit.Frames[0].Pkt)
	assert.Equal(t, fake, ip.Src())
	assert.True(t, ip.ChecksumOK())
	assert.True(t, packet.TransportChecksumOK(fake, outside, types.ProtoUDP, ip.Payload()))
}

func TestRouter_SendIP_NoReverseRoute(t *testing.T) {
	rg := newRig(t, true)
	rg.r.SendIP(udpPkt(netip.MustParseAddr("172.31.0.1"), outside, nil), types.Spoof{})
	assert.Zero(t, rg.emit.Len())
}

var (
	host6   = netip.MustParseAddr("2001:db8::2")
	peer6   = netip.MustParseAddr("2001:db8::1")
	peerMAC = net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
)

func newRig6(t *testing.T) *rig {
	rg := newRig(t, false)
	rg.store.Hosts[host6] = &types.Template{Name: "v6", MAC: hostMAC, Interface: "eth0"}
	return rg
}

func ndp(t *testing.T, src, dst netip.Addr, typ ipv6.ICMPType, data []byte) []byte {
	t.Helper()
	m := xicmp.Message{Type: typ, Body: &xicmp.RawBody{Data: data}}
	body, err := m.Marshal(xicmp.IPv6PseudoHeader(net.IP(src.AsSlice()), net.IP(dst.AsSlice())))
	require.NoError(t, err)
	pkt, err := packet.BuildRaw(packet.IPParams{Src: src, Dst: dst, TTL: 255}, types.ProtoICMPv6, body)
	require.NoError(t, err)
	return pkt
}

func TestRouter_SendIP6_SolicitsThenDelivers(t *testing.T) {
	rg := newRig6(t)
	out := udpPkt(host6, peer6, []byte("hello"))
	rg.r.SendIP6(out, types.Spoof{})

	require.Equal(t, 1, rg.emit.Len())
	ns := rg.emit.Frames[0]
	assert.Equal(t, "ether", ns.Kind)
	assert.Equal(t, icmp.MulticastMAC(icmp.SolicitedNode(peer6)), ns.Dst)
	assert.Equal(t, uint8(ipv6.ICMPTypeNeighborSolicitation), ns.Pkt[packet.IPv6Len])

	// Neighbor advertisement: flags, target, target link address option.
	data := make([]byte, 4+16+8)
	data[0] = 0x60
	target := peer6.As16()
	copy(data[4:], target[:])
	data[20], data[21] = 2, 1
	copy(data[22:], peerMAC)
	rg.icmp.Receive6("eth0", ndp(t, peer6, host6, ipv6.ICMPTypeNeighborAdvertisement, data))

	require.Equal(t, 2, rg.emit.Len())
	got := rg.emit.Frames[1]
	assert.Equal(t, peerMAC, got.Dst)
	assert.Equal(t, hostMAC, got.Src)
	assert.Equal(t, layers.EthernetTypeIPv6, got.EthType)
	assert.Equal(t, out, got.Pkt)

	// Now known, the next packet goes straight out.
	rg.r.SendIP6(udpPkt(host6, peer6, []byte("again")), types.Spoof{})
	require.Equal(t, 3, rg.emit.Len())
	assert.Equal(t, peerMAC, rg.emit.Frames[2].Dst)
}

func TestRouter_SendIP6_OffLinkUsesAdvertisedRouter(t *testing.T) {
	rg := newRig6(t)
	routerMAC := net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, 0x01}

	data := make([]byte, 12+32+8)
	opts := data[12:]
	opts[0], opts[1], opts[2] = 3, 4, 64
	prefix := netip.MustParseAddr("2001:db8::").As16()
	copy(opts[16:32], prefix[:])
	opts[32], opts[33] = 1, 1
	copy(opts[34:40], routerMAC)
	rg.icmp.Receive6("eth0", ndp(t, netip.MustParseAddr("fe80::1"), netip.MustParseAddr("ff02::1"), ipv6.ICMPTypeRouterAdvertisement, data))

	rg.r.SendIP6(udpPkt(host6, netip.MustParseAddr("2001:db9::7"), []byte("far")), types.Spoof{})
	require.Equal(t, 1, rg.emit.Len())
	assert.Equal(t, routerMAC, rg.emit.Frames[0].Dst)
}

func TestRouter_SendIP6_FragmentsOverMTU(t *testing.T) {
	rg := newRig(t, false)
	rg.r.cfg.MTU = 1280
	rg.r.SendIP6(udpPkt(peer6, netip.MustParseAddr("2001:db9::7"), make([]byte, 3000)), types.Spoof{})
	require.Equal(t, 3, rg.emit.Len())
	for _, f := range rg.emit.Frames {
		assert.Equal(t, "ip6", f.Kind)
		assert.LessOrEqual(t, len(f.Pkt), 1280)
		assert.GreaterOrEqual(t, packet.NextHeaderOffset(f.Pkt, packet.ExtFragment), 0)
	}
}

func TestMode_String(t *testing.T) {
	modes := []Mode{Internal{}, External{}, Tunnel{}, Ethernet{}, Unreachable{}, TTLExceeded{}}
	seen := map[string]bool{}
	for _, m := range modes {
		seen[m.String()] = true
	}
	assert.Len(t, seen, len(modes))
}
