package netrom

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tarpn-go/tarpnd/internal/ax25"
	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/l3q"
	"github.com/tarpn-go/tarpnd/internal/linkmux"
	"github.com/tarpn-go/tarpnd/internal/scheduler"
)

var errConnectionRefused = errors.New("netrom: connect request refused or timed out")

// Context is handed to a bound Application on every upcall, wrapping the
// circuit's write/close behaviour (ax25.Context's shape, one layer up).
type Context struct {
	Remote callsign.Call
	write  func([]byte)
	close  func()
}

func (c *Context) Write(data []byte) { c.write(data) }
func (c *Context) Close()            { c.close() }

// Application is the L4 contract bound to a Network: callbacks invoked as
// circuits connect, disconnect, receive data, or error out.
type Application interface {
	OnConnect(ctx *Context)
	OnDisconnect(ctx *Context)
	OnError(ctx *Context, err error)
	Read(ctx *Context, data []byte)
}

// NopApplication is a default Application that does nothing.
type NopApplication struct{}

func (NopApplication) OnConnect(*Context)      {}
func (NopApplication) OnDisconnect(*Context)   {}
func (NopApplication) OnError(*Context, error) {}
func (NopApplication) Read(*Context, []byte)   {}

// Config holds the station identity and NODES broadcaster cadence.
type Config struct {
	NodeCall      callsign.Call
	NodeAlias     string
	DefaultTTL    byte
	NodesInterval time.Duration
	NodesPath     string
	Routing       Params
}

// DefaultConfig returns the stock station configuration.
func DefaultConfig(nodeCall callsign.Call, alias string) Config {
	return Config{
		NodeCall:      nodeCall,
		NodeAlias:     alias,
		DefaultTTL:    7,
		NodesInterval: 10 * time.Minute,
		NodesPath:     "nodes.json",
		Routing:       DefaultParams(),
	}
}

type circuitKey struct {
	remote callsign.Call
	id     byte
}

// Network is the NET/ROM network layer: it satisfies ax25.L3Handler so a
// per-port ax25.Manager can offer it inbound frames, owns the routing
// table and every live Circuit, and forwards packets it is not the
// destination for along the best known route.
type Network struct {
	config Config
	router *RoutingTable
	app    Application
	log    *log.Logger
	mux    *linkmux.Multiplexer

	mu            sync.Mutex
	circuits      map[circuitKey]*Circuit
	nextCircuitID byte
	dataLinks     map[int]*ax25.Manager
	links         map[int]*ax25.Link    // port -> L2Protocol adapter
	linkIDs       map[callsign.Call]int // neighbor -> logical link ID

	timers *scheduler.Service
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewNetwork constructs a Network for one station identity, routing
// outbound NET/ROM traffic through mux's per-device priority queues. Call
// StartBroadcasting to launch the periodic NODES task.
func NewNetwork(cfg Config, app Application, timers *scheduler.Service, mux *linkmux.Multiplexer) *Network {
	if app == nil {
		app = NopApplication{}
	}
	routing := cfg.Routing
	if routing == (Params{}) {
		routing = DefaultParams()
	}
	return &Network{
		config:    cfg,
		router:    NewRoutingTableWithParams(cfg.NodeAlias, routing),
		app:       app,
		log:       log.With("component", "netrom", "node", cfg.NodeCall.String()),
		mux:       mux,
		circuits:  make(map[circuitKey]*Circuit),
		dataLinks: make(map[int]*ax25.Manager),
		links:     make(map[int]*ax25.Link),
		linkIDs:   make(map[callsign.Call]int),
		timers:    timers,
		stop:      make(chan struct{}),
	}
}

// BindDataLink registers the AX.25 manager for one physical port, so
// routes learned over that port can be forwarded through it, registers
// this Network as its NET/ROM handler, and registers the port's L2Protocol
// adapter with the link multiplexer so outbound NET/ROM packets are
// queued and pumped by its L2L3 driver rather than written directly.
func (n *Network) BindDataLink(port int, mgr *ax25.Manager) {
	link := ax25.NewLink(mgr)
	n.mu.Lock()
	n.dataLinks[port] = mgr
	n.links[port] = link
	n.mu.Unlock()
	n.router.AddOurCall(mgr.LinkCall)
	mgr.AddL3Handler(ax25.PIDNetRom, n)
	n.mux.RegisterDevice(link)
}

// MaybeHandleSpecial implements ax25.L3Handler: it intercepts UI frames
// addressed to callsign NODES carrying the NET/ROM PID, folds them into
// the routing table, and consumes them so the data-link manager never
// dispatches them to a connection state machine.
func (n *Network) MaybeHandleSpecial(port int, p ax25.Packet) bool {
	if p.Kind != ax25.KindUI || !p.HasPID || p.PID != ax25.PIDNetRom {
		return false
	}
	nodesCall := callsign.MustParse("NODES")
	if p.Dest != nodesCall {
		return false
	}
	nodes, err := DecodeNodes(p.Info)
	if err != nil {
		n.log.Warn("discarding malformed NODES broadcast", "from", p.Source.String(), "err", err)
		return true
	}
	n.router.UpdateRoutes(p.Source, port, nodes)
	return true
}

// HandleFrame implements connected-mode NET/ROM delivery: an AX.25
// connection carrying the NET/ROM PID hands its payload here.
func (n *Network) HandleFrame(port int, _ callsign.Call, data []byte) {
	p, err := DecodeNetRom(data)
	if err != nil {
		n.log.Warn("discarding unparseable NET/ROM packet", "err", err)
		return
	}
	n.handle(port, p)
}

func (n *Network) handle(port int, p Packet) {
	if p.Dest != n.config.NodeCall {
		if p.TTL == 0 {
			n.log.Warn("dropping packet with expired TTL", "packet", p.String())
			return
		}
		p.TTL--
		n.writePacket(p)
		return
	}

	// Circuits are keyed by (remote call, our local circuit id): every
	// packet a peer sends on an established circuit is stamped with our
	// id, which it learned from our ConnectRequest or ConnectAck. A
	// ConnectRequest instead carries the peer's own id, so it is matched
	// (deduplicating retransmits) against the remote idx/id before a fresh
	// circuit is created for it.
	n.mu.Lock()
	var c *Circuit
	if p.Op == OpConnectRequest {
		for _, cand := range n.circuits {
			if cand.Remote == p.Source && cand.RemoteIdx == p.CircuitIdx && cand.RemoteID == p.CircuitID {
				c = cand
				break
			}
		}
		if c == nil {
			n.nextCircuitID++
			c = newCircuit(n, 0, n.nextCircuitID, p.Source)
			n.circuits[circuitKey{remote: p.Source, id: n.nextCircuitID}] = c
		}
	} else {
		var ok bool
		c, ok = n.circuits[circuitKey{remote: p.Source, id: p.CircuitID}]
		if !ok {
			n.mu.Unlock()
			n.log.Warn("discarding packet for unknown circuit", "packet", p.String())
			return
		}
	}
	n.mu.Unlock()

	c.Handle(p)
}

// writePacket routes p along the best known next hop and offers it to that
// hop's logical link queue for the link multiplexer's L2L3 driver to pump
// out as NET/ROM-protocol data. It reports whether any candidate route
// accepted the payload.
func (n *Network) writePacket(p Packet) bool {
	for _, hop := range n.router.Route(p.Dest) {
		neighbor, ok := n.router.Neighbor(hop)
		if !ok {
			continue
		}
		n.mu.Lock()
		link, ok := n.links[neighbor.Port]
		n.mu.Unlock()
		if !ok {
			continue
		}
		linkID := n.linkIDFor(link, hop)
		queue, ok := n.mux.GetQueue(linkID)
		if !ok {
			continue
		}
		payload := l3q.Payload{
			Source:      n.config.NodeCall,
			Destination: hop,
			Protocol:    ax25.PIDNetRom,
			Buffer:      EncodeNetRom(p),
			LinkID:      linkID,
			QoS:         l3q.Default,
			Reliable:    true,
		}
		if !queue.Offer(payload) {
			n.log.Warn("egress queue full, dropping packet", "packet", p.String(), "via", hop.String())
			continue
		}
		n.log.Debug("routed packet", "packet", p.String(), "via", hop.String())
		return true
	}
	n.log.Warn("no route for packet", "packet", p.String())
	return false
}

// linkIDFor returns the logical link ID bound to hop on link's port,
// allocating one from the multiplexer on first use.
func (n *Network) linkIDFor(link *ax25.Link, hop callsign.Call) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.linkIDs[hop]; ok {
		return id
	}
	id := n.mux.AddLink(link)
	link.BindPeer(id, hop)
	n.linkIDs[hop] = id
	return id
}

func (n *Network) contextFor(c *Circuit) *Context {
	return &Context{
		Remote: c.Remote,
		write:  func(data []byte) { c.Data(data) },
		close:  func() { c.Disconnect() },
	}
}

func (n *Network) onConnect(c *Circuit)    { n.app.OnConnect(n.contextFor(c)) }
func (n *Network) onDisconnect(c *Circuit) { n.app.OnDisconnect(n.contextFor(c)) }
func (n *Network) onData(c *Circuit, data []byte) {
	n.app.Read(n.contextFor(c), data)
}
func (n *Network) onError(c *Circuit, err error) { n.app.OnError(n.contextFor(c), err) }

// Connect opens a new outbound circuit to remote and returns it.
func (n *Network) Connect(remote callsign.Call, originUser, originNode callsign.Call) *Circuit {
	n.mu.Lock()
	n.nextCircuitID++
	c := newCircuit(n, 0, n.nextCircuitID, remote)
	n.circuits[circuitKey{remote: remote, id: n.nextCircuitID}] = c
	n.mu.Unlock()
	c.Connect(originUser, originNode)
	return c
}

// StartBroadcasting launches the periodic NODES broadcaster: after an
// initial 10s delay, every NodesInterval it prunes the routing table,
// persists a snapshot to disk, and emits a NODES broadcast on every bound
// port with 30ms spacing between frames to avoid bursting the channel.
func (n *Network) StartBroadcasting() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if scheduler.Sleep(10*time.Second, n.stop) {
			return
		}
		for {
			n.broadcastOnce()
			if scheduler.Sleep(n.config.NodesInterval, n.stop) {
				return
			}
		}
	}()
}

func (n *Network) broadcastOnce() {
	nodes := n.router.PruneAndSnapshot()
	if err := SaveNodes(n.config.NodeCall, nodes, n.config.NodesPath); err != nil {
		n.log.Warn("failed to persist nodes snapshot", "err", err)
	}

	n.mu.Lock()
	mgrs := make([]*ax25.Manager, 0, len(n.dataLinks))
	for _, mgr := range n.dataLinks {
		mgrs = append(mgrs, mgr)
	}
	n.mu.Unlock()

	for _, mgr := range mgrs {
		for _, frame := range nodes.ToFrames(n.config.NodeCall) {
			mgr.Broadcast(frame)
			if scheduler.Sleep(30*time.Millisecond, n.stop) {
				return
			}
		}
	}
}

// SeedRoutes folds a previously persisted NODES snapshot into the routing
// table, giving a restarted node an immediate topology instead of waiting
// a full broadcast interval to rediscover it. port is where the seeded
// neighbors are assumed reachable until live broadcasts say otherwise.
func (n *Network) SeedRoutes(nodes Nodes, port int) {
	n.router.Seed(nodes, port)
}

// RoutingSnapshot renders the current neighbor/destination tables for
// read-only status reporting over the monitor socket.
func (n *Network) RoutingSnapshot() string {
	return n.router.String()
}

// Stop halts the NODES broadcaster.
func (n *Network) Stop() {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	n.wg.Wait()
}
