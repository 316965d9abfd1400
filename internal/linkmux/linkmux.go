// Package linkmux implements the link multiplexer: it registers devices,
// allocates logical link IDs, and drives each device's L3 egress queue with
// a retrying L2L3 driver task.
package linkmux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/l3q"
	"github.com/tarpn-go/tarpnd/internal/scheduler"
)

// FrameData is an inbound frame handed up from a device.
type FrameData struct {
	Port         int
	Data         []byte
	HardwareAddr string
}

// L2Protocol is what the multiplexer requires of a registered device.
type L2Protocol interface {
	DeviceID() int
	LinkAddress() callsign.Call
	PeerAddress(linkID int) (callsign.Call, bool)
	PeerConnected(linkID int) bool
	ReceiveFrame(frame FrameData)
	HandleQueueFull()
	MaximumTransmissionUnit() int
	MaximumFrameSize() int
	SendPacket(p l3q.Payload) bool
}

// Backoff parameters for the L2L3 driver's retry loop.
const (
	backoffInitial = 500 * time.Millisecond
	backoffFactor  = 1.5
	backoffCap     = 3 * time.Second
	backoffBudget  = 20 * time.Second

	// queueTakeDeadline bounds each MaybeTake call so the driver observes the
	// stop flag promptly.
	queueTakeDeadline = 1 * time.Second
)

// Multiplexer owns every registered device's egress queue and logical link
// table.
type Multiplexer struct {
	queueDepth int
	log        *log.Logger
	stop       chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	devices   map[int]L2Protocol
	queues    map[int]*l3q.Queue
	links     map[int]L2Protocol
	linkIDGen atomic.Int64
}

// New constructs a Multiplexer whose per-device queues are bounded at
// queueDepth entries.
func New(queueDepth int) *Multiplexer {
	return &Multiplexer{
		queueDepth: queueDepth,
		log:        log.With("component", "linkmux"),
		stop:       make(chan struct{}),
		devices:    make(map[int]L2Protocol),
		queues:     make(map[int]*l3q.Queue),
		links:      make(map[int]L2Protocol),
	}
}

// RegisterDevice records l2 by its device ID, allocates its egress queue if
// one doesn't already exist, and spawns its L2L3 driver task.
func (m *Multiplexer) RegisterDevice(l2 L2Protocol) {
	id := l2.DeviceID()
	m.mu.Lock()
	if _, ok := m.queues[id]; ok {
		m.mu.Unlock()
		return
	}
	q := l3q.New(m.queueDepth)
	m.queues[id] = q
	m.devices[id] = l2
	m.mu.Unlock()

	m.wg.Add(1)
	go m.driveL2L3(q, l2)
}

// AddLink allocates a monotonically increasing logical link ID bound to l2.
func (m *Multiplexer) AddLink(l2 L2Protocol) int {
	id := int(m.linkIDGen.Add(1)) - 1
	m.mu.Lock()
	m.links[id] = l2
	m.mu.Unlock()
	return id
}

// RemoveLink drops a logical link; in-flight payloads already queued for it
// are discarded by the driver when it takes them off the queue.
func (m *Multiplexer) RemoveLink(linkID int) {
	m.mu.Lock()
	delete(m.links, linkID)
	m.mu.Unlock()
}

// GetLink returns the L2Protocol owning a logical link, if it still exists.
func (m *Multiplexer) GetLink(linkID int) (L2Protocol, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l2, ok := m.links[linkID]
	return l2, ok
}

// GetQueue returns the egress queue for the device owning linkID, or false
// if the link has been removed.
func (m *Multiplexer) GetQueue(linkID int) (*l3q.Queue, bool) {
	m.mu.Lock()
	l2, ok := m.links[linkID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	q, ok := m.queues[l2.DeviceID()]
	m.mu.Unlock()
	return q, ok
}

// driveL2L3 is the L2L3 driver task: it takes one payload at a time from
// the device's queue and calls SendPacket, retrying with bounded
// exponential backoff on refusal.
func (m *Multiplexer) driveL2L3(q *l3q.Queue, l2 L2Protocol) {
	defer m.wg.Done()
	dlog := m.log.With("device", l2.DeviceID())
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		payload, ok := q.MaybeTake(queueTakeDeadline)
		if !ok {
			continue
		}
		if _, live := m.GetLink(payload.LinkID); !live {
			dlog.Warn("dropping payload for removed link", "link_id", payload.LinkID)
			continue
		}

		if l2.SendPacket(payload) {
			continue
		}

		delay := backoffInitial
		var spent time.Duration
		for spent < backoffBudget {
			dlog.Debug("retrying send_packet", "link_id", payload.LinkID)
			if scheduler.Sleep(delay, m.stop) {
				return
			}
			spent += delay
			if l2.SendPacket(payload) {
				break
			}
			delay = time.Duration(float64(delay) * backoffFactor)
			if delay > backoffCap {
				delay = backoffCap
			}
		}
		if spent >= backoffBudget {
			dlog.Warn("dropping payload after backoff budget exhausted", "link_id", payload.LinkID)
		}
	}
}

// Stop signals every L2L3 driver task to exit and waits for them to do so.
func (m *Multiplexer) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}
