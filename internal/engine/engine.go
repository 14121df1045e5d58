// Package engine ties the protocol handlers, the router and the template
// store into one reactor that owns all engine state.
package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/frag"
	"honeyd-engine/internal/icmp"
	"honeyd-engine/internal/logging"
	"honeyd-engine/internal/randhost"
	"honeyd-engine/internal/router"
	"honeyd-engine/internal/stats"
	"honeyd-engine/internal/tcp"
	"honeyd-engine/internal/template"
	"honeyd-engine/internal/timer"
	"honeyd-engine/internal/udp"
	"honeyd-engine/pkg/types"
)

// Frame is one captured link-layer frame.
type Frame struct {
	Iface     string
	Data      []byte
	Timestamp time.Time
}

// Interface is a capture interface as the engine sees it.
type Interface struct {
	Name string
	// MAC is nil for interfaces without ethernet framing.
	MAC      net.HardwareAddr
	Addrs    []netip.Addr
	Nets     []netip.Prefix
	LinkType layers.LinkType
}

// Config holds the engine settings.
type Config struct {
	Router      router.Config
	TCP         tcp.Config
	UDP         udp.Config
	ICMP        icmp.Config
	FragTimeout time.Duration
	ISN         string
	ISNStart    uint32
	// Seed makes every random decision reproducible; zero seeds randomly.
	Seed uint64
	// BufferSize and Prealloc size the packet arena.
	BufferSize int
	Prealloc   int
	// RandomIPv6 enables random host mode when set.
	RandomIPv6   *randhost.Config
	DropLogRate  float64
	DropLogBurst int
	PostQueue    int
	// FrameClock drives the timers from frame timestamps instead of the
	// wall clock, for offline replay.
	FrameClock bool
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Router:       router.DefaultConfig(),
		TCP:          tcp.DefaultConfig(),
		UDP:          udp.DefaultConfig(),
		ICMP:         icmp.DefaultConfig(),
		FragTimeout:  frag.DefaultTimeout,
		ISN:          tcp.ISNRandom,
		BufferSize:   2048,
		Prealloc:     256,
		DropLogRate:  10,
		DropLogBurst: 20,
		PostQueue:    1024,
	}
}

// Deps are the collaborators of an Engine. Topology, Backend and Stats may
// be nil.
type Deps struct {
	Templates  *template.Store
	Topology   *router.Topology
	Emitter    types.Emitter
	Backend    types.Backend
	Interfaces []Interface
	Stats      *stats.Collector
}

// Engine owns every table of the honeypot. All methods except Post must be
// called from the goroutine running Run.
type Engine struct {
	cfg  Config
	deps Deps

	arena  *arena.Arena
	sched  *timer.Scheduler
	rng    *rand.Rand
	frag4  *frag.Reassembler4
	frag6  *frag.Reassembler6
	router *router.Router
	tcp    *tcp.Handler
	udp    *udp.Handler
	icmp   *icmp.Handler
	random *randhost.Pool
	drops  *logging.DropLogger

	ifaces  map[string]Interface
	ownMACs map[string]bool
	now     time.Time
	posts   chan func()
	done    chan struct{}
}

// New wires an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Templates == nil {
		return nil, errors.New("engine: no template store")
	}
	if deps.Emitter == nil {
		return nil, errors.New("engine: no emitter")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.PostQueue <= 0 {
		cfg.PostQueue = DefaultConfig().PostQueue
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		arena:   arena.New(cfg.BufferSize, cfg.Prealloc),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		drops:   logging.NewDropLogger(cfg.DropLogRate, cfg.DropLogBurst),
		ifaces:  make(map[string]Interface),
		ownMACs: make(map[string]bool),
		posts:   make(chan func(), cfg.PostQueue),
		done:    make(chan struct{}),
	}
	if cfg.FrameClock {
		e.sched = timer.New(func() time.Time { return e.now })
	} else {
		e.sched = timer.New(time.Now)
	}
	for _, ifc := range deps.Interfaces {
		e.ifaces[ifc.Name] = ifc
		if ifc.MAC != nil {
			e.ownMACs[ifc.MAC.String()] = true
		}
	}

	isn, err := tcp.NewISNGenerator(cfg.ISN, cfg.ISNStart, e.rng)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.Router.Enabled && deps.Topology == nil {
		return nil, errors.New("engine: routing enabled without a topology")
	}

	e.frag4 = frag.NewReassembler4(e.arena, e.sched, cfg.FragTimeout, deps.Stats)
	e.frag6 = frag.NewReassembler6(e.arena, e.sched, cfg.FragTimeout, deps.Stats)
	e.router = router.New(cfg.Router, router.Deps{
		Topology:  deps.Topology,
		Arena:     e.arena,
		Sched:     e.sched,
		Emitter:   deps.Emitter,
		Templates: deps.Templates,
		Links:     links{e},
		Frag4:     e.frag4,
		Frag6:     e.frag6,
		Rand:      e.rng,
		Stats:     deps.Stats,
		Drops:     e.drops,
	})
	e.icmp = icmp.NewHandler(cfg.ICMP, icmp.Deps{
		Out:       e.router,
		Link:      deps.Emitter,
		Templates: deps.Templates,
		Now:       e.sched.Now,
		Rand:      e.rng,
		Stats:     deps.Stats,
		Drops:     e.drops,
	})
	e.tcp = tcp.NewHandler(cfg.TCP, tcp.Deps{
		Sched:   e.sched,
		Out:     e.router,
		Backend: deps.Backend,
		Poster:  e,
		ISN:     isn,
		Rand:    e.rng,
		Stats:   deps.Stats,
		Drops:   e.drops,
	})
	e.udp = udp.NewHandler(cfg.UDP, udp.Deps{
		Sched:   e.sched,
		Out:     e.router,
		Errors:  e.icmp,
		Backend: deps.Backend,
		Poster:  e,
		Rand:    e.rng,
		Stats:   deps.Stats,
		Drops:   e.drops,
	})
	e.icmp.SetFlows(e.udp)
	e.router.SetHandlers(e.icmp, e)

	if cfg.RandomIPv6 != nil {
		if e.random, err = randhost.New(*cfg.RandomIPv6, deps.Templates, e.rng); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	for addr, t := range deps.Templates.Hosts() {
		e.register(addr, t)
	}
	return e, nil
}

// register makes a single-address host known to the link layer filters and
// the solicited-node groups.
func (e *Engine) register(addr netip.Addr, t *types.Template) {
	if t.MAC != nil {
		e.ownMACs[t.MAC.String()] = true
	}
	if !addr.Is6() {
		return
	}
	group := icmp.SolicitedNode(addr)
	if err := e.icmp.Groups().NewGroup(group); err != nil && !errors.Is(err, icmp.ErrGroupExists) {
		log.WithError(err).WithField("group", group).Warn("Failed to add multicast group")
		return
	}
	if err := e.icmp.Groups().Join(addr, group); err != nil && !errors.Is(err, icmp.ErrAlreadyMember) {
		log.WithError(err).WithField("host", addr).Warn("Failed to join multicast group")
	}
}

// Router returns the router.
func (e *Engine) Router() *router.Router { return e.router }

// TCP returns the TCP handler.
func (e *Engine) TCP() *tcp.Handler { return e.tcp }

// UDP returns the UDP handler.
func (e *Engine) UDP() *udp.Handler { return e.udp }

// ICMP returns the ICMP handler.
func (e *Engine) ICMP() *icmp.Handler { return e.icmp }

// Scheduler returns the reactor's timer queue.
func (e *Engine) Scheduler() *timer.Scheduler { return e.sched }

// Arena returns the packet arena.
func (e *Engine) Arena() *arena.Arena { return e.arena }

// RandomHosts returns the random host pool, or nil when disabled.
func (e *Engine) RandomHosts() *randhost.Pool { return e.random }

// SolicitRouters asks the routers on every ethernet interface to advertise
// so IPv6 traffic can leave the local link.
func (e *Engine) SolicitRouters() {
	for _, ifc := range e.deps.Interfaces {
		if ifc.MAC != nil {
			e.icmp.SendRouterSolicitation(ifc.Name, ifc.MAC)
		}
	}
}

// LinkAddr returns the next hop link address for a packet to addr: the
// learned address of an IPv4 neighbor, the cached IPv6 neighbor, or the
// advertised IPv6 router. It must run on the reactor.
func (e *Engine) LinkAddr(addr netip.Addr) (net.HardwareAddr, bool) {
	if addr.Is4() {
		return e.router.LinkAddr(addr)
	}
	if n, ok := e.icmp.Neighbor(addr); ok && n.TargetMAC != nil {
		return n.TargetMAC, true
	}
	if ra, ok := e.icmp.RouterAdvert(); ok && ra.SourceMAC != nil {
		return ra.SourceMAC, true
	}
	return nil, false
}

func (e *Engine) drop(reason string, fields log.Fields) {
	e.deps.Stats.RecordDrop(reason)
	e.drops.Drop("input "+reason, fields)
}

// links answers the router's questions about the capture interfaces.
type links struct{ e *Engine }

// Responsible returns the interface whose networks cover dst, or the first
// interface.
func (l links) Responsible(dst netip.Addr) string {
	for _, ifc := range l.e.deps.Interfaces {
		for _, n := range ifc.Nets {
			if n.Contains(dst) {
				return ifc.Name
			}
		}
	}
	if len(l.e.deps.Interfaces) > 0 {
		return l.e.deps.Interfaces[0].Name
	}
	return ""
}

func (l links) MAC(iface string) net.HardwareAddr {
	return l.e.ifaces[iface].MAC
}
