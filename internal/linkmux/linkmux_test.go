package linkmux

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/l3q"
)

// fakeDevice is a minimal L2Protocol test double that records every
// SendPacket call and can be told to refuse N attempts before accepting.
type fakeDevice struct {
	id      int
	refuse  atomic.Int32
	sent    chan l3q.Payload
	queueFl atomic.Int32
}

func newFakeDevice(id int, refuseFirst int32) *fakeDevice {
	d := &fakeDevice{id: id, sent: make(chan l3q.Payload, 10)}
	d.refuse.Store(refuseFirst)
	return d
}

func (d *fakeDevice) DeviceID() int              { return d.id }
func (d *fakeDevice) LinkAddress() callsign.Call { return callsign.MustParse("N0CALL") }
func (d *fakeDevice) PeerAddress(int) (callsign.Call, bool) {
	return callsign.MustParse("N1CALL"), true
}
func (d *fakeDevice) PeerConnected(int) bool       { return true }
func (d *fakeDevice) ReceiveFrame(FrameData)       {}
func (d *fakeDevice) HandleQueueFull()             { d.queueFl.Add(1) }
func (d *fakeDevice) MaximumTransmissionUnit() int { return 256 }
func (d *fakeDevice) MaximumFrameSize() int        { return 300 }
func (d *fakeDevice) SendPacket(p l3q.Payload) bool {
	if d.refuse.Load() > 0 {
		d.refuse.Add(-1)
		return false
	}
	d.sent <- p
	return true
}

func TestRegisterDeviceDrainsQueueToSendPacket(t *testing.T) {
	mux := New(10)
	defer mux.Stop()

	dev := newFakeDevice(1, 0)
	mux.RegisterDevice(dev)
	linkID := mux.AddLink(dev)

	q, ok := mux.GetQueue(linkID)
	require.True(t, ok)
	require.True(t, q.Offer(l3q.Payload{Buffer: []byte("hello"), LinkID: linkID}))

	select {
	case p := <-dev.sent:
		assert.Equal(t, "hello", string(p.Buffer))
	case <-time.After(2 * time.Second):
		t.Fatal("payload was never handed to SendPacket")
	}
}

func TestRemoveLinkDropsTheLinkID(t *testing.T) {
	mux := New(10)
	defer mux.Stop()

	dev := newFakeDevice(1, 0)
	mux.RegisterDevice(dev)
	linkID := mux.AddLink(dev)
	_, ok := mux.GetQueue(linkID)
	require.True(t, ok)

	mux.RemoveLink(linkID)
	_, ok = mux.GetQueue(linkID)
	assert.False(t, ok)
}

func TestRegisterDeviceIsIdempotent(t *testing.T) {
	mux := New(10)
	defer mux.Stop()

	dev := newFakeDevice(1, 0)
	mux.RegisterDevice(dev)
	mux.RegisterDevice(dev) // second registration must not spawn a second driver/queue

	linkID := mux.AddLink(dev)
	q, ok := mux.GetQueue(linkID)
	require.True(t, ok)
	assert.Equal(t, 0, q.Len())
}
