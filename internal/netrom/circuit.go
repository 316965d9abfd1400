package netrom

import (
	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// CircuitState is one of the four NET/ROM circuit states, mirroring the
// AX.25 data-link flow but over NET/ROM opcodes.
type CircuitState int

const (
	CircuitDisconnected CircuitState = iota
	CircuitAwaitingConnection
	CircuitConnected
	CircuitAwaitingRelease
)

func (s CircuitState) String() string {
	switch s {
	case CircuitDisconnected:
		return "Disconnected"
	case CircuitAwaitingConnection:
		return "AwaitingConnection"
	case CircuitConnected:
		return "Connected"
	case CircuitAwaitingRelease:
		return "AwaitingRelease"
	default:
		return "???"
	}
}

const defaultWindow byte = 4

type pendingInfo struct {
	seq     byte
	payload []byte
}

// Circuit is one NET/ROM logical connection. Every inbound packet for a
// circuit arrives through Network's single dispatch path, so (like AX.25's
// Connection) a circuit's state is touched by only one goroutine at a
// time without needing its own locking.
type Circuit struct {
	LocalIdx, LocalID   byte
	RemoteIdx, RemoteID byte
	Remote              callsign.Call
	OriginUser          callsign.Call
	OriginNode          callsign.Call

	net *Network

	state      CircuitState
	window     byte
	txSeq      byte
	rxSeq      byte
	ackedSeq   byte
	peerChoked bool
	outbox     []pendingInfo
}

func newCircuit(net *Network, localIdx, localID byte, remote callsign.Call) *Circuit {
	return &Circuit{net: net, LocalIdx: localIdx, LocalID: localID, Remote: remote, window: defaultWindow}
}

func (c *Circuit) header(op OpType) Packet {
	return Packet{
		Dest: c.Remote, Source: c.net.config.NodeCall,
		TTL: c.net.config.DefaultTTL, CircuitIdx: c.RemoteIdx, CircuitID: c.RemoteID,
		TxSeq: c.txSeq, RxSeq: c.rxSeq, Op: op,
	}
}

// Connect sends a ConnectRequest and transitions to AwaitingConnection.
// The request carries our own circuit idx/id, which the peer echoes back in
// its ConnectAck and stamps on every later packet it sends us.
func (c *Circuit) Connect(originUser, originNode callsign.Call) {
	c.OriginUser, c.OriginNode = originUser, originNode
	p := c.header(OpConnectRequest)
	p.CircuitIdx = c.LocalIdx
	p.CircuitID = c.LocalID
	p.ProposedWindow = c.window
	p.OriginUser = originUser
	p.OriginNode = originNode
	c.net.writePacket(p)
	c.state = CircuitAwaitingConnection
}

// Disconnect sends a DisconnectRequest and transitions to AwaitingRelease.
func (c *Circuit) Disconnect() {
	c.net.writePacket(c.header(OpDisconnectReq))
	c.state = CircuitAwaitingRelease
}

// Data queues a payload for transmission as an Info packet, piggybacking
// the current V(R) as an acknowledgement.
func (c *Circuit) Data(payload []byte) {
	if c.state != CircuitConnected {
		return
	}
	seq := c.txSeq
	c.txSeq++
	c.outbox = append(c.outbox, pendingInfo{seq: seq, payload: payload})
	if !c.peerChoked {
		c.sendInfo(pendingInfo{seq: seq, payload: payload})
	}
}

func (c *Circuit) sendInfo(pi pendingInfo) {
	p := c.header(OpInfo)
	p.TxSeq = pi.seq
	p.Info = pi.payload
	c.net.writePacket(p)
}

// Handle processes one inbound packet addressed to this circuit.
func (c *Circuit) Handle(p Packet) {
	switch c.state {
	case CircuitDisconnected:
		c.handleDisconnected(p)
	case CircuitAwaitingConnection:
		c.handleAwaitingConnection(p)
	case CircuitConnected:
		c.handleConnected(p)
	case CircuitAwaitingRelease:
		c.handleAwaitingRelease(p)
	}
}

func (c *Circuit) handleDisconnected(p Packet) {
	if p.Op != OpConnectRequest {
		return
	}
	c.RemoteIdx, c.RemoteID = p.CircuitIdx, p.CircuitID
	c.OriginUser, c.OriginNode = p.OriginUser, p.OriginNode
	if p.ProposedWindow > 0 && p.ProposedWindow < c.window {
		c.window = p.ProposedWindow
	}
	c.rxSeq = 0
	c.txSeq = 0
	c.ackedSeq = 0
	// The ack echoes the requester's circuit idx/id and carries our own in
	// the tx/rx sequence bytes, which a ConnectAck doesn't otherwise use.
	ack := c.header(OpConnectAck)
	ack.TxSeq = c.LocalIdx
	ack.RxSeq = c.LocalID
	ack.AcceptWindow = c.window
	c.net.writePacket(ack)
	c.state = CircuitConnected
	c.net.onConnect(c)
}

func (c *Circuit) handleAwaitingConnection(p Packet) {
	switch p.Op {
	case OpConnectAck:
		c.RemoteIdx, c.RemoteID = p.TxSeq, p.RxSeq
		if p.AcceptWindow > 0 && p.AcceptWindow < c.window {
			c.window = p.AcceptWindow
		}
		c.state = CircuitConnected
		c.net.onConnect(c)
	case OpDisconnectReq, OpDisconnectAck:
		c.state = CircuitDisconnected
		c.net.onError(c, errConnectionRefused)
		c.net.onDisconnect(c)
	}
}

func (c *Circuit) handleConnected(p Packet) {
	switch p.Op {
	case OpInfo:
		c.peerChoked = p.Choke
		if p.TxSeq == c.rxSeq {
			c.rxSeq++
			c.net.onData(c, p.Info)
		}
		ack := c.header(OpInfoAck)
		c.net.writePacket(ack)
		if p.Nak {
			c.retransmitFrom(p.RxSeq)
		}
	case OpInfoAck:
		c.ackUpTo(p.RxSeq)
		c.peerChoked = p.Choke
		if !c.peerChoked {
			c.flushOutbox()
		}
	case OpDisconnectReq:
		c.net.writePacket(c.header(OpDisconnectAck))
		c.state = CircuitDisconnected
		c.net.onDisconnect(c)
	case OpConnectRequest:
		c.handleDisconnected(p)
	}
}

func (c *Circuit) handleAwaitingRelease(p Packet) {
	if p.Op == OpDisconnectAck || p.Op == OpDisconnectReq {
		c.state = CircuitDisconnected
		c.net.onDisconnect(c)
	}
}

func (c *Circuit) ackUpTo(rxSeq byte) {
	n := 0
	for n < len(c.outbox) && c.outbox[n].seq < rxSeq {
		n++
	}
	c.outbox = c.outbox[n:]
	c.ackedSeq = rxSeq
}

func (c *Circuit) retransmitFrom(seq byte) {
	for _, pi := range c.outbox {
		if pi.seq >= seq {
			c.sendInfo(pi)
		}
	}
}

func (c *Circuit) flushOutbox() {
	for _, pi := range c.outbox {
		c.sendInfo(pi)
	}
}

// State returns the circuit's current state.
func (c *Circuit) State() CircuitState { return c.state }
