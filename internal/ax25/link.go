package ax25

import (
	"sync"

	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/l3q"
	"github.com/tarpn-go/tarpnd/internal/linkmux"
)

// maxInfoLen and maxFrameLen bound a single AX.25 information field and
// encoded frame, per AX.25 v2.2's 256-byte default I-frame payload.
const (
	maxInfoLen  = 256
	maxFrameLen = 2 + 7*9 + 2 + maxInfoLen
)

// Link adapts a Manager to the linkmux.L2Protocol contract, so NET/ROM's
// network layer can register a port with a link multiplexer and address
// individual neighbors as logical links bound to it. The Manager owns the
// connections; the Link is the thin adapter a multiplexer is coded against.
type Link struct {
	mgr *Manager

	mu    sync.Mutex
	peers map[int]callsign.Call
}

// NewLink wraps mgr for registration with a linkmux.Multiplexer.
func NewLink(mgr *Manager) *Link {
	return &Link{mgr: mgr, peers: make(map[int]callsign.Call)}
}

// BindPeer records which remote callsign a logical link ID addresses, so
// later PeerAddress/PeerConnected calls can resolve it (the caller gets
// linkID from Multiplexer.AddLink(link) and should call this immediately
// after).
func (l *Link) BindPeer(linkID int, remote callsign.Call) {
	l.mu.Lock()
	l.peers[linkID] = remote
	l.mu.Unlock()
}

func (l *Link) DeviceID() int                { return l.mgr.Port }
func (l *Link) LinkAddress() callsign.Call   { return l.mgr.LinkCall }
func (l *Link) MaximumTransmissionUnit() int { return maxInfoLen }
func (l *Link) MaximumFrameSize() int        { return maxFrameLen }

// PeerAddress resolves the remote callsign bound to linkID via BindPeer.
func (l *Link) PeerAddress(linkID int) (callsign.Call, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.peers[linkID]
	return c, ok
}

// PeerConnected reports whether the AX.25 connection to linkID's peer is
// currently in StateConnected.
func (l *Link) PeerConnected(linkID int) bool {
	remote, ok := l.PeerAddress(linkID)
	if !ok {
		return false
	}
	c, ok := l.mgr.Connection(remote)
	return ok && c.State() == StateConnected
}

// ReceiveFrame hands a frame read off the device straight to the bound
// Manager's inbound pipeline.
func (l *Link) ReceiveFrame(frame linkmux.FrameData) {
	l.mgr.HandleInbound(frame.Data)
}

// HandleQueueFull logs the device's inbound backpressure; recovery is the
// device collaborator's job.
func (l *Link) HandleQueueFull() {
	l.mgr.log.Warn("device inbound queue full")
}

// SendPacket accepts a generic L3 payload from the link multiplexer's
// egress driver, opens (or reuses) the AX.25 connection to its
// destination, and hands it to DL_DATA so the AX.25 state machine carries
// it over I-frames. Until that connection is established it refuses the
// payload, so the driver retries it with backoff.
func (l *Link) SendPacket(p l3q.Payload) bool {
	conn := l.mgr.Connect(p.Destination)
	if conn.State() != StateConnected {
		return false
	}
	conn.DLData(p.Protocol, true, p.Buffer)
	return true
}
