package ax25

import (
	"time"
	"weak"

	"github.com/charmbracelet/log"

	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/scheduler"
)

// State is one of the five AX.25 data-link states a Connection moves
// through.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingConnection
	StateConnected
	StateTimerRecovery
	StateAwaitingRelease
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAwaitingConnection:
		return "AwaitingConnection"
	case StateConnected:
		return "Connected"
	case StateTimerRecovery:
		return "TimerRecovery"
	case StateAwaitingRelease:
		return "AwaitingRelease"
	default:
		return "???"
	}
}

// Config holds the tunable AX.25 timing parameters.
type Config struct {
	T1     time.Duration // retransmit/ack timer
	T3     time.Duration // idle-connection probe
	N2     int           // max retries
	Window int           // k, max outstanding I frames
	Modulo int           // 8 (baseline) or 128 (extended, optional)
}

// DefaultConfig returns the stock TARPN timing profile.
func DefaultConfig() Config {
	return Config{
		T1:     4 * time.Second,
		T3:     300 * time.Second,
		N2:     10,
		Window: 4,
		Modulo: 8,
	}
}

type eventKind int

const (
	evFrame eventKind = iota
	evDLConnect
	evDLDisconnect
	evDLData
	evT1Expire
	evT3Expire
)

type dataEvent struct {
	protocol    byte
	hasProtocol bool
	data        []byte
}

type event struct {
	kind eventKind
	pkt  Packet
	data dataEvent
}

type outstandingFrame struct {
	ns      int
	payload []byte
	pid     byte
	hasPID  bool
}

// Connection is one AX.25 data-link connection, keyed by (local, remote,
// port). All state transitions happen on a single goroutine reading from
// events, so V(S)/V(R)/V(A) are never mutated concurrently.
type Connection struct {
	Local  callsign.Call
	Remote callsign.Call
	Port   int

	cfg Config
	mgr weak.Pointer[Manager] // non-owning: the Manager owns the Connection, not vice versa
	app Application
	log *log.Logger

	events chan event
	done   chan struct{}

	state State
	vs    int
	vr    int
	va    int

	retry       int
	peerBusy    bool
	localBusy   bool
	rejectSent  bool
	outstanding []outstandingFrame
	pending     [][]byte

	t1 *scheduler.Timer
	t3 *scheduler.Timer
}

func newConnection(local, remote callsign.Call, port int, mgr *Manager, app Application, cfg Config, timers *scheduler.Service) *Connection {
	c := &Connection{
		Local:  local,
		Remote: remote,
		Port:   port,
		cfg:    cfg,
		mgr:    weak.Make(mgr),
		app:    app,
		log:    log.With("component", "ax25", "local", local.String(), "remote", remote.String()),
		events: make(chan event, 128),
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}
	c.t1 = timers.NewTimer(cfg.T1, func() { c.deliver(event{kind: evT1Expire}) })
	c.t3 = timers.NewTimer(cfg.T3, func() { c.deliver(event{kind: evT3Expire}) })
	return c
}

// Start launches the connection's single event-processing goroutine.
func (c *Connection) Start() {
	go c.run()
}

// Stop terminates event processing. Outstanding unacked frames are dropped.
func (c *Connection) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.t1.Stop()
	c.t3.Stop()
}

// deliver posts an event without blocking the caller; a full queue drops the
// event with a warning rather than stalling whichever goroutine is feeding
// it (timer callbacks, the manager's dispatch loop, or another connection's
// forwarding path via the network layer).
func (c *Connection) deliver(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.log.Warn("event queue full, dropping event", "kind", ev.kind)
	}
}

// DeliverFrame hands an inbound decoded AX.25 frame to this connection.
func (c *Connection) DeliverFrame(p Packet) { c.deliver(event{kind: evFrame, pkt: p}) }

// DLConnect requests this connection be established.
func (c *Connection) DLConnect() { c.deliver(event{kind: evDLConnect}) }

// DLDisconnect requests this connection be torn down.
func (c *Connection) DLDisconnect() { c.deliver(event{kind: evDLDisconnect}) }

// DLData requests protocol data (or, if protocol is absent, app payload) be
// transmitted over this connection.
func (c *Connection) DLData(protocol byte, hasProtocol bool, data []byte) {
	c.deliver(event{kind: evDLData, data: dataEvent{protocol: protocol, hasProtocol: hasProtocol, data: data}})
}

func (c *Connection) run() {
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) manager() *Manager { return c.mgr.Value() }

func (c *Connection) modulo() int {
	if c.cfg.Modulo == 128 {
		return 128
	}
	return 8
}

func (c *Connection) window() int {
	k := c.cfg.Window
	if k <= 0 {
		k = 4
	}
	return k
}

func (c *Connection) n2() int {
	if c.cfg.N2 <= 0 {
		return 10
	}
	return c.cfg.N2
}

func mod(x, m int) int {
	x %= m
	if x < 0 {
		x += m
	}
	return x
}

// inWindow reports whether nr is a valid acknowledgement given the current
// V(A)..V(S) outstanding span.
func inWindow(nr, va, vs, modulo int) bool {
	span := mod(vs-va, modulo)
	d := mod(nr-va, modulo)
	return d <= span
}

func (c *Connection) send(kind FrameKind, pf bool) {
	c.sendWith(kind, pf, true, nil)
}

func (c *Connection) sendWith(kind FrameKind, pf bool, command bool, info []byte) {
	p := Packet{
		Dest: c.Remote, Source: c.Local, Command: command, Kind: kind, PF: pf,
		Modulo: c.modulo(), NR: c.vr, Info: info,
	}
	m := c.manager()
	if m == nil {
		return
	}
	m.writeFrame(p)
}

func (c *Connection) sendI(f outstandingFrame, pf bool) {
	p := Packet{
		Dest: c.Remote, Source: c.Local, Command: true, Kind: KindI, PF: pf,
		Modulo: c.modulo(), NS: f.ns, NR: c.vr, HasPID: f.hasPID, PID: f.pid, Info: f.payload,
	}
	if m := c.manager(); m != nil {
		m.writeFrame(p)
	}
}

func (c *Connection) resetSequence() {
	c.vs, c.vr, c.va = 0, 0, 0
	c.retry = 0
	c.peerBusy, c.localBusy, c.rejectSent = false, false, false
	c.outstanding = nil
	c.pending = nil
}

func (c *Connection) upcallConnect() {
	if m := c.manager(); m != nil {
		m.dlConnect(c)
	}
}

func (c *Connection) upcallDisconnect() {
	if m := c.manager(); m != nil {
		m.dlDisconnect(c)
	}
}

func (c *Connection) upcallData(protocol byte, hasProtocol bool, data []byte) {
	if m := c.manager(); m != nil {
		m.dlData(c, protocol, hasProtocol, data)
	}
}

func (c *Connection) upcallError(code ErrorCode) {
	if m := c.manager(); m != nil {
		m.dlError(c, code)
	}
}

func (c *Connection) handle(ev event) {
	switch c.state {
	case StateDisconnected:
		c.handleDisconnected(ev)
	case StateAwaitingConnection:
		c.handleAwaitingConnection(ev)
	case StateConnected:
		c.handleConnected(ev)
	case StateTimerRecovery:
		c.handleTimerRecovery(ev)
	case StateAwaitingRelease:
		c.handleAwaitingRelease(ev)
	}
}

func (c *Connection) handleDisconnected(ev event) {
	switch ev.kind {
	case evDLConnect:
		c.retry = 0
		c.send(KindSABM, true)
		c.t1.Start()
		c.state = StateAwaitingConnection
	case evFrame:
		switch ev.pkt.Kind {
		case KindSABM, KindSABME:
			// SABME is only acceptable on a port configured for extended
			// (modulo-128) operation; the whole port decodes with one
			// control-field width, so a per-connection upgrade is not
			// possible. Refuse with DM otherwise.
			if ev.pkt.Kind == KindSABME && c.cfg.Modulo != 128 {
				c.sendWith(KindDM, ev.pkt.PF, false, nil)
				return
			}
			c.resetSequence()
			c.sendWith(KindUA, ev.pkt.PF, false, nil)
			c.state = StateConnected
			c.t3.Start()
			c.upcallConnect()
		case KindDISC:
			c.sendWith(KindDM, ev.pkt.PF, false, nil)
		}
		// UA, DM and anything else are ignored while disconnected.
	}
}

func (c *Connection) handleAwaitingConnection(ev event) {
	switch ev.kind {
	case evFrame:
		switch ev.pkt.Kind {
		case KindUA:
			c.t1.Stop()
			c.resetSequence()
			c.state = StateConnected
			c.t3.Start()
			c.upcallConnect()
		case KindDM:
			c.t1.Stop()
			c.state = StateDisconnected
			c.upcallError(ErrBRemoteRefused)
			c.upcallDisconnect()
		case KindSABM, KindSABME:
			// Simultaneous connect attempt: the lexicographically smaller
			// callsign wins the tie.
			if c.Local.Less(c.Remote) {
				// We win: ignore their SABM, keep waiting for our UA.
				return
			}
			c.resetSequence()
			c.sendWith(KindUA, ev.pkt.PF, false, nil)
			c.t1.Stop()
			c.state = StateConnected
			c.t3.Start()
			c.upcallConnect()
		}
	case evT1Expire:
		if c.retry < c.n2() {
			c.retry++
			c.send(KindSABM, true)
			c.t1.Start()
		} else {
			c.state = StateDisconnected
			c.upcallError(ErrGRetriesExhausted)
			c.upcallDisconnect()
		}
	case evDLDisconnect:
		c.t1.Stop()
		c.state = StateDisconnected
		c.upcallDisconnect()
	}
}

func (c *Connection) handleConnected(ev event) {
	switch ev.kind {
	case evFrame:
		c.t3.Start()
		switch ev.pkt.Kind {
		case KindI:
			c.receiveI(ev.pkt)
		case KindRR:
			c.peerBusy = false
			c.ackUpTo(ev.pkt.NR)
		case KindRNR:
			c.peerBusy = true
			c.ackUpTo(ev.pkt.NR)
		case KindREJ:
			c.peerBusy = false
			c.ackUpTo(ev.pkt.NR)
			c.retransmitOutstanding()
		case KindSREJ:
			c.retransmitOne(ev.pkt.NR)
		case KindDISC:
			c.clearOutstanding()
			c.sendWith(KindUA, ev.pkt.PF, false, nil)
			c.t1.Stop()
			c.t3.Stop()
			c.state = StateDisconnected
			c.upcallDisconnect()
		case KindSABM, KindSABME:
			if ev.pkt.Kind == KindSABME && c.cfg.Modulo != 128 {
				c.sendWith(KindDM, ev.pkt.PF, false, nil)
				return
			}
			c.resetSequence()
			c.sendWith(KindUA, ev.pkt.PF, false, nil)
		case KindFRMR:
			c.upcallError(ErrKUnexpectedFRMR)
		}
	case evDLData:
		c.enqueueData(ev.data)
	case evDLDisconnect:
		c.sendWith(KindDISC, true, true, nil)
		c.t1.Start()
		c.state = StateAwaitingRelease
	case evT1Expire:
		c.state = StateTimerRecovery
		c.retry = 1
		c.send(KindRR, true)
		c.t1.Start()
	case evT3Expire:
		c.send(KindRR, true)
		c.t3.Start()
	}
}

func (c *Connection) handleTimerRecovery(ev event) {
	switch ev.kind {
	case evFrame:
		c.t3.Start()
		switch ev.pkt.Kind {
		case KindI:
			c.receiveI(ev.pkt)
		case KindRR, KindRNR:
			c.peerBusy = ev.pkt.Kind == KindRNR
			c.ackUpTo(ev.pkt.NR)
			if ev.pkt.PF {
				c.retry = 0
				if c.va == c.vs {
					c.t1.Stop()
				} else {
					c.t1.Start()
				}
				c.state = StateConnected
			}
		case KindREJ:
			c.ackUpTo(ev.pkt.NR)
			c.retransmitOutstanding()
			if ev.pkt.PF {
				c.retry = 0
				c.state = StateConnected
			}
		case KindDISC:
			c.clearOutstanding()
			c.sendWith(KindUA, ev.pkt.PF, false, nil)
			c.t1.Stop()
			c.t3.Stop()
			c.state = StateDisconnected
			c.upcallDisconnect()
		}
	case evDLData:
		c.enqueueData(ev.data)
	case evT1Expire:
		c.retry++
		if c.retry >= c.n2() {
			c.clearOutstanding()
			c.t1.Stop()
			c.t3.Stop()
			c.state = StateDisconnected
			c.upcallError(ErrGRetriesExhausted)
			c.upcallDisconnect()
			return
		}
		c.retransmitOutstanding()
		c.send(KindRR, true)
		c.t1.Start()
	case evDLDisconnect:
		c.sendWith(KindDISC, true, true, nil)
		c.t1.Start()
		c.state = StateAwaitingRelease
	}
}

func (c *Connection) handleAwaitingRelease(ev event) {
	switch ev.kind {
	case evFrame:
		if ev.pkt.Kind == KindUA || ev.pkt.Kind == KindDM {
			c.t1.Stop()
			c.state = StateDisconnected
			c.upcallDisconnect()
		}
	case evT1Expire:
		if c.retry < c.n2() {
			c.retry++
			c.send(KindDISC, true)
			c.t1.Start()
		} else {
			c.state = StateDisconnected
			c.upcallError(ErrGRetriesExhausted)
			c.upcallDisconnect()
		}
	}
}

// receiveI processes an inbound I frame: deliver in-sequence data, reject
// out-of-sequence frames, and advance V(A) from the piggybacked N(R).
func (c *Connection) receiveI(p Packet) {
	if c.localBusy {
		c.sendWith(KindRNR, p.PF, false, nil)
		return
	}
	if p.NS == c.vr {
		c.vr = mod(c.vr+1, c.modulo())
		c.rejectSent = false
		c.upcallData(p.PID, p.HasPID, p.Info)
		if p.PF {
			c.sendWith(KindRR, true, false, nil)
		} else {
			c.sendWith(KindRR, false, false, nil)
		}
	} else {
		if !c.rejectSent {
			c.sendWith(KindREJ, p.PF, false, nil)
			c.rejectSent = true
		}
	}
	c.ackUpTo(p.NR)
}

// ackUpTo advances V(A) to nr if nr is a valid acknowledgement, trims the
// outstanding I-frame queue, and maintains T1's running-iff-unacked
// invariant.
func (c *Connection) ackUpTo(nr int) {
	if !inWindow(nr, c.va, c.vs, c.modulo()) {
		c.upcallError(ErrSInvalidNR)
		return
	}
	progressed := nr != c.va
	numAcked := mod(nr-c.va, c.modulo())
	if numAcked > len(c.outstanding) {
		numAcked = len(c.outstanding)
	}
	c.outstanding = c.outstanding[numAcked:]
	c.va = nr
	if progressed {
		if c.va == c.vs {
			c.t1.Stop()
		} else {
			c.t1.Start()
		}
	}
	c.drainPending()
}

func (c *Connection) clearOutstanding() {
	c.outstanding = nil
	c.pending = nil
	c.t1.Stop()
}

func (c *Connection) enqueueData(d dataEvent) {
	pid := PIDNoLayer3
	hasPID := true
	if d.hasProtocol {
		pid = d.protocol
	}
	if len(c.outstanding) < c.window() {
		c.transmitI(pid, hasPID, d.data)
		return
	}
	c.pending = append(c.pending, encodeQueued(pid, hasPID, d.data))
}

// encodeQueued/decodeQueued round-trip a pending payload through a single
// []byte so c.pending can stay a plain slice of slices.
func encodeQueued(pid byte, hasPID bool, data []byte) []byte {
	header := byte(0)
	if hasPID {
		header = 1
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, header, pid)
	out = append(out, data...)
	return out
}

func decodeQueued(b []byte) (pid byte, hasPID bool, data []byte) {
	hasPID = b[0] == 1
	pid = b[1]
	data = b[2:]
	return
}

func (c *Connection) drainPending() {
	for len(c.pending) > 0 && len(c.outstanding) < c.window() {
		pid, hasPID, data := decodeQueued(c.pending[0])
		c.pending = c.pending[1:]
		c.transmitI(pid, hasPID, data)
	}
}

func (c *Connection) transmitI(pid byte, hasPID bool, data []byte) {
	f := outstandingFrame{ns: c.vs, payload: data, pid: pid, hasPID: hasPID}
	c.outstanding = append(c.outstanding, f)
	c.vs = mod(c.vs+1, c.modulo())
	c.sendI(f, false)
	if !c.t1.Running() {
		c.t1.Start()
	}
}

func (c *Connection) retransmitOutstanding() {
	for _, f := range c.outstanding {
		c.sendI(f, false)
	}
	if len(c.outstanding) > 0 && !c.t1.Running() {
		c.t1.Start()
	}
}

func (c *Connection) retransmitOne(ns int) {
	for _, f := range c.outstanding {
		if f.ns == ns {
			c.sendI(f, false)
			return
		}
	}
}

// State returns the connection's current data-link state (for tests and
// monitoring).
func (c *Connection) State() State { return c.state }

// Stats returns the current sequence variables, for tests and monitoring.
func (c *Connection) Stats() (vs, vr, va int) { return c.vs, c.vr, c.va }
