package ax25

import (
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/scheduler"
)

// L3Handler lets a network-layer protocol (NET/ROM) intercept frames before
// they reach the per-connection state machines, and accept writes routed
// down to this port.
type L3Handler interface {
	// MaybeHandleSpecial inspects an inbound packet and reports whether it
	// consumed it. Returning true consumes the packet (e.g. a NET/ROM
	// broadcast consumed by the router); returning false passes it on to the
	// next handler and then to the data-link state machines.
	MaybeHandleSpecial(port int, p Packet) (handled bool)
}

// OutboundFrame is a fully encoded AX.25 frame destined for a physical port.
type OutboundFrame struct {
	Port int
	Data []byte
}

// connKey identifies a connection by its local/remote callsign pair, per
// port.
type connKey struct {
	local  callsign.Call
	remote callsign.Call
}

// Manager is the AX.25 data-link manager (Link Multiplexer in the AX.25
// terminology) bound to a single physical port: it owns every Connection on
// that port, dispatches inbound frames to them (creating a fresh one on
// first sight), and forwards upcalls to the bound L2 Application or a
// registered L3Handler.
type Manager struct {
	LinkCall callsign.Call
	Port     int

	cfg    Config
	app    Application
	timers *scheduler.Service
	out    chan<- OutboundFrame
	log    *log.Logger

	mu      sync.Mutex
	conns   map[connKey]*Connection
	l3      map[byte]L3Handler
	l3Order []l3Entry // dispatch order for MaybeHandleSpecial: registration order

	heard func(remote callsign.Call, port int)
}

// l3Entry pairs a handler with its PID so the ordered dispatch list can be
// updated in place when a PID is re-registered.
type l3Entry struct {
	pid     byte
	handler L3Handler
}

// NewManager constructs a Manager for one physical port. Encoded outbound
// frames are posted to out without blocking the caller for long; out should
// be serviced by a link multiplexer queue.
func NewManager(linkCall callsign.Call, port int, cfg Config, app Application, timers *scheduler.Service, out chan<- OutboundFrame) *Manager {
	if app == nil {
		app = NopApplication{}
	}
	return &Manager{
		LinkCall: linkCall,
		Port:     port,
		cfg:      cfg,
		app:      app,
		timers:   timers,
		out:      out,
		log:      log.With("component", "ax25.manager", "port", port, "link_call", linkCall.String()),
		conns:    make(map[connKey]*Connection),
		l3:       make(map[byte]L3Handler),
	}
}

// SetHeardHook registers a callback invoked with every station whose frame
// is successfully decoded on this port, independent of routing or
// connection state. The heard-station log hangs off this.
func (m *Manager) SetHeardHook(fn func(remote callsign.Call, port int)) {
	m.mu.Lock()
	m.heard = fn
	m.mu.Unlock()
}

// AddL3Handler registers a network-layer protocol handler keyed by PID, so
// it is offered every inbound frame before the data-link state machines
// are. Handlers are offered in registration order; re-registering a PID
// replaces its handler without changing its position.
func (m *Manager) AddL3Handler(pid byte, h L3Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.l3[pid]; exists {
		for i := range m.l3Order {
			if m.l3Order[i].pid == pid {
				m.l3Order[i].handler = h
				break
			}
		}
	} else {
		m.l3Order = append(m.l3Order, l3Entry{pid: pid, handler: h})
	}
	m.l3[pid] = h
}

// HandleInbound decodes a raw frame received on this port and routes it: L3
// handlers get first refusal, then it is discarded if not addressed to this
// station's link call, then dispatched to the connection for its source
// callsign (creating one in StateDisconnected if this is the first frame
// seen from that peer).
func (m *Manager) HandleInbound(data []byte) {
	p, err := DecodeAX25(data, m.cfg.Modulo == 128)
	if err != nil {
		m.log.Warn("discarding unparseable frame", "err", err)
		return
	}

	m.mu.Lock()
	handlers := append([]l3Entry(nil), m.l3Order...)
	heard := m.heard
	m.mu.Unlock()
	if heard != nil {
		heard(p.Source, m.Port)
	}
	for _, e := range handlers {
		if e.handler.MaybeHandleSpecial(m.Port, p) {
			return
		}
	}

	if p.Dest != m.LinkCall {
		m.log.Warn("discarding packet not for us", "dest", p.Dest.String(), "link_call", m.LinkCall.String())
		return
	}

	// UI, TEST and XID are connectionless; they are never delivered to a
	// state machine (a UI frame for the application still gets a Connection
	// created, which its Context writes through).
	switch p.Kind {
	case KindUI:
		m.handleUnitData(p)
		return
	case KindTEST:
		if p.Command {
			m.writeFrame(Packet{Dest: p.Source, Source: m.LinkCall, Kind: KindTEST, PF: p.PF, Info: p.Info})
		}
		return
	case KindXID:
		if p.Command {
			// Accept whatever the peer proposed by echoing its parameter
			// field back; this station's defaults already fit within any
			// legal negotiation.
			m.writeFrame(Packet{Dest: p.Source, Source: m.LinkCall, Kind: KindXID, PF: p.PF, Info: p.Info})
		}
		return
	}

	c := m.connectionFor(p.Source)
	c.DeliverFrame(p)
}

// handleUnitData delivers a UI frame's payload without connection state:
// to the L3 handler registered for its PID, or to the bound application.
func (m *Manager) handleUnitData(p Packet) {
	if p.HasPID && p.PID != PIDNoLayer3 {
		m.mu.Lock()
		h, ok := m.l3[p.PID]
		m.mu.Unlock()
		if ok {
			if fwd, can := h.(interface {
				HandleFrame(port int, remote callsign.Call, data []byte)
			}); can {
				fwd.HandleFrame(m.Port, p.Source, p.Info)
			}
			return
		}
		m.log.Warn("no handler registered for UI protocol, discarding", "pid", p.PID)
		return
	}
	m.app.Read(m.contextFor(m.connectionFor(p.Source)), p.Info)
}

// connectionFor returns the existing connection for remote, or creates and
// starts a fresh Disconnected one.
func (m *Manager) connectionFor(remote callsign.Call) *Connection {
	key := connKey{local: m.LinkCall, remote: remote}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c
	}
	c := newConnection(m.LinkCall, remote, m.Port, m, m.app, m.cfg, m.timers)
	m.conns[key] = c
	c.Start()
	return c
}

// Connect requests a new outbound connection to remote, creating it if
// necessary, and returns it so the caller can drive DLData/DLDisconnect.
func (m *Manager) Connect(remote callsign.Call) *Connection {
	c := m.connectionFor(remote)
	c.DLConnect()
	return c
}

// Connection returns the connection for remote, if one currently exists.
func (m *Manager) Connection(remote callsign.Call) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connKey{local: m.LinkCall, remote: remote}]
	return c, ok
}

// Connections returns a snapshot of every connection currently tracked on
// this port, for read-only status reporting over the monitor socket.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stop halts every connection owned by this manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
}

// Broadcast sends a UI frame on this port without involving any connection
// state machine, for periodic unconnected advertisements such as NET/ROM
// NODES broadcasts.
func (m *Manager) Broadcast(p Packet) {
	m.writeFrame(p)
}

// writeFrame encodes p and offers it to the outbound queue without blocking;
// a full queue is logged and the frame dropped.
func (m *Manager) writeFrame(p Packet) {
	data := EncodeAX25(p)
	select {
	case m.out <- OutboundFrame{Port: m.Port, Data: data}:
	default:
		m.log.Warn("outbound queue full, dropping frame", "kind", p.Kind.String(), "dest", p.Dest.String())
	}
}

// dlConnect delivers a DL_CONNECT indication to the bound application.
func (m *Manager) dlConnect(c *Connection) {
	m.app.OnConnect(m.contextFor(c))
}

// dlDisconnect delivers a DL_DISCONNECT indication to the bound application.
func (m *Manager) dlDisconnect(c *Connection) {
	m.app.OnDisconnect(m.contextFor(c))
}

// dlData delivers inbound data: to the default application when it carries
// no registered L3 protocol, otherwise to the handler bound for that PID.
func (m *Manager) dlData(c *Connection, protocol byte, hasProtocol bool, data []byte) {
	if !hasProtocol || protocol == PIDNoLayer3 {
		m.app.Read(m.contextFor(c), data)
		return
	}
	m.mu.Lock()
	h, ok := m.l3[protocol]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("no handler registered for protocol, discarding", "pid", protocol)
		return
	}
	if fwd, ok := h.(interface {
		HandleFrame(port int, remote callsign.Call, data []byte)
	}); ok {
		fwd.HandleFrame(m.Port, c.Remote, data)
	}
}

// dlError delivers a DL_ERROR indication to the bound application.
func (m *Manager) dlError(c *Connection, code ErrorCode) {
	m.app.OnError(m.contextFor(c), code.Message())
}

// contextFor builds the Context an application upcall receives, wrapping
// writer/closer functions that post events back onto c's own queue.
func (m *Manager) contextFor(c *Connection) *Context {
	return newContext(c.Remote,
		func(data []byte) { c.DLData(0, false, data) },
		func() { c.DLDisconnect() },
	)
}
