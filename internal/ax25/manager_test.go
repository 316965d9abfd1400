package ax25

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/scheduler"
)

// recordingApp captures every upcall so tests can assert on delivery order
// and payloads without a real L2 application attached.
type recordingApp struct {
	connects    chan struct{}
	disconnects chan struct{}
	errors      chan string
	reads       chan []byte
}

func newRecordingApp() *recordingApp {
	return &recordingApp{
		connects:    make(chan struct{}, 8),
		disconnects: make(chan struct{}, 8),
		errors:      make(chan string, 8),
		reads:       make(chan []byte, 8),
	}
}

func (a *recordingApp) OnConnect(*Context)             { a.connects <- struct{}{} }
func (a *recordingApp) OnDisconnect(*Context)          { a.disconnects <- struct{}{} }
func (a *recordingApp) OnError(_ *Context, msg string) { a.errors <- msg }
func (a *recordingApp) Read(_ *Context, data []byte)   { a.reads <- append([]byte(nil), data...) }

func testManager(t *testing.T, app Application) (*Manager, chan OutboundFrame, *scheduler.Service, callsign.Call) {
	t.Helper()
	local := callsign.MustParse("N0CALL")
	timers := scheduler.New()
	out := make(chan OutboundFrame, 32)
	cfg := DefaultConfig()
	cfg.T1 = 50 * time.Millisecond
	cfg.T3 = time.Hour
	m := NewManager(local, 0, cfg, app, timers, out)
	t.Cleanup(func() {
		m.Stop()
		timers.Stop()
	})
	return m, out, timers, local
}

func recvFrame(t *testing.T, out chan OutboundFrame) Packet {
	t.Helper()
	select {
	case f := <-out:
		p, err := DecodeAX25(f.Data, false)
		require.NoError(t, err)
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Packet{}
	}
}

func requireNoFrame(t *testing.T, out chan OutboundFrame) {
	t.Helper()
	select {
	case f := <-out:
		t.Fatalf("unexpected outbound frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// Peer-initiated connect: SABM in, UA out, OnConnect fires.
func TestManagerInboundSABMEstablishesConnection(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	sabm := Packet{Dest: local, Source: remote, Command: true, Kind: KindSABM, PF: true}
	m.HandleInbound(EncodeAX25(sabm))

	ua := recvFrame(t, out)
	assert.Equal(t, KindUA, ua.Kind)
	assert.Equal(t, remote, ua.Dest)

	select {
	case <-app.connects:
	case <-time.After(time.Second):
		t.Fatal("OnConnect was not called")
	}

	c, ok := m.Connection(remote)
	require.True(t, ok)
	assert.Equal(t, StateConnected, c.State())
}

// Locally-initiated connect sends SABM and waits for UA.
func TestManagerOutboundConnectSendsSABM(t *testing.T) {
	app := newRecordingApp()
	m, out, _, _ := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	c := m.Connect(remote)
	sabm := recvFrame(t, out)
	assert.Equal(t, KindSABM, sabm.Kind)
	assert.True(t, sabm.Command)

	ua := Packet{Dest: sabm.Source, Source: remote, Command: false, Kind: KindUA, PF: true}
	m.HandleInbound(EncodeAX25(ua))

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
}

// A frame addressed to a different station is discarded: no connection is
// created and nothing is queued outbound.
func TestManagerDiscardsFrameNotAddressedToUs(t *testing.T) {
	app := newRecordingApp()
	m, out, _, _ := testManager(t, app)
	remote := callsign.MustParse("N1CALL")
	other := callsign.MustParse("N2CALL")

	sabm := Packet{Dest: other, Source: remote, Command: true, Kind: KindSABM, PF: true}
	m.HandleInbound(EncodeAX25(sabm))

	requireNoFrame(t, out)
	_, ok := m.Connection(remote)
	assert.False(t, ok)
}

// An L3 handler that claims the packet prevents data-link dispatch entirely.
type consumingL3 struct{ seen chan Packet }

func (h *consumingL3) MaybeHandleSpecial(_ int, p Packet) bool {
	h.seen <- p
	return true
}

func TestManagerL3HandlerConsumesSpecialFrame(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	h := &consumingL3{seen: make(chan Packet, 1)}
	m.AddL3Handler(PIDNetRom, h)

	ui := Packet{Dest: local, Source: remote, Kind: KindUI, HasPID: true, PID: PIDNetRom, Info: []byte("route-broadcast")}
	m.HandleInbound(EncodeAX25(ui))

	select {
	case p := <-h.seen:
		assert.Equal(t, remote, p.Source)
	case <-time.After(time.Second):
		t.Fatal("L3 handler was never offered the frame")
	}
	requireNoFrame(t, out)
	_, ok := m.Connection(remote)
	assert.False(t, ok, "a special frame consumed by L3 must not spawn a data-link connection")
}

// Full I/RR exchange: inbound I-frame is delivered to the application and
// acknowledged with RR carrying the advanced N(R).
func TestManagerIFrameDeliversAndAcks(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	m.HandleInbound(EncodeAX25(Packet{Dest: local, Source: remote, Command: true, Kind: KindSABM, PF: true}))
	recvFrame(t, out) // UA
	<-app.connects

	i := Packet{
		Dest: local, Source: remote, Command: true, Kind: KindI, Modulo: 8,
		NS: 0, NR: 0, HasPID: true, PID: PIDNoLayer3, Info: []byte("hello"),
	}
	m.HandleInbound(EncodeAX25(i))

	select {
	case data := <-app.reads:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("Read was never called")
	}

	rr := recvFrame(t, out)
	assert.Equal(t, KindRR, rr.Kind)
	assert.Equal(t, 1, rr.NR)
}

// REJ from the peer forces retransmission of every outstanding I-frame.
func TestManagerREJTriggersRetransmission(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	m.HandleInbound(EncodeAX25(Packet{Dest: local, Source: remote, Command: true, Kind: KindSABM, PF: true}))
	recvFrame(t, out) // UA
	<-app.connects

	c, ok := m.Connection(remote)
	require.True(t, ok)

	c.DLData(0, false, []byte("one"))
	c.DLData(0, false, []byte("two"))
	first := recvFrame(t, out)
	assert.Equal(t, KindI, first.Kind)
	assert.Equal(t, 0, first.NS)
	second := recvFrame(t, out)
	assert.Equal(t, 1, second.NS)

	rej := Packet{Dest: local, Source: remote, Command: true, Kind: KindREJ, Modulo: 8, NR: 0}
	m.HandleInbound(EncodeAX25(rej))

	retx1 := recvFrame(t, out)
	retx2 := recvFrame(t, out)
	assert.Equal(t, []int{0, 1}, []int{retx1.NS, retx2.NS})

	vs, _, va := c.Stats()
	assert.Equal(t, 2, vs)
	assert.Equal(t, 0, va)
}

// DISC from the peer tears the connection down and fires OnDisconnect.
func TestManagerDISCTearsDownConnection(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	m.HandleInbound(EncodeAX25(Packet{Dest: local, Source: remote, Command: true, Kind: KindSABM, PF: true}))
	recvFrame(t, out) // UA
	<-app.connects

	c, ok := m.Connection(remote)
	require.True(t, ok)

	m.HandleInbound(EncodeAX25(Packet{Dest: local, Source: remote, Command: true, Kind: KindDISC, PF: true}))
	ua := recvFrame(t, out)
	assert.Equal(t, KindUA, ua.Kind)

	select {
	case <-app.disconnects:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
}

// orderedL3 records the order it was offered frames in, optionally claiming
// them.
type orderedL3 struct {
	name  string
	seen  *[]string
	claim bool
}

func (h *orderedL3) MaybeHandleSpecial(_ int, _ Packet) bool {
	*h.seen = append(*h.seen, h.name)
	return h.claim
}

// Handlers are offered frames in the order they were registered, not map
// iteration order.
func TestManagerOffersL3HandlersInRegistrationOrder(t *testing.T) {
	app := newRecordingApp()
	m, _, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	var order []string
	m.AddL3Handler(0xCE, &orderedL3{name: "first", seen: &order})
	m.AddL3Handler(PIDNetRom, &orderedL3{name: "second", seen: &order, claim: true})

	ui := Packet{Dest: local, Source: remote, Kind: KindUI, HasPID: true, PID: PIDNetRom, Info: []byte("x")}
	m.HandleInbound(EncodeAX25(ui))

	assert.Equal(t, []string{"first", "second"}, order)
}

// A UI frame with no L3 protocol is delivered as unit data straight to the
// application, with no connection handshake.
func TestManagerUIFrameDeliversUnitData(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	ui := Packet{Dest: local, Source: remote, Kind: KindUI, HasPID: true, PID: PIDNoLayer3, Info: []byte("beacon text")}
	m.HandleInbound(EncodeAX25(ui))

	select {
	case data := <-app.reads:
		assert.Equal(t, []byte("beacon text"), data)
	case <-time.After(time.Second):
		t.Fatal("unit data was never delivered")
	}
	requireNoFrame(t, out)
}

// A TEST command is echoed back as a TEST response carrying the same info.
func TestManagerTESTFrameIsEchoed(t *testing.T) {
	app := newRecordingApp()
	m, out, _, local := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	test := Packet{Dest: local, Source: remote, Command: true, Kind: KindTEST, PF: true, Info: []byte("ping")}
	m.HandleInbound(EncodeAX25(test))

	echo := recvFrame(t, out)
	assert.Equal(t, KindTEST, echo.Kind)
	assert.Equal(t, remote, echo.Dest)
	assert.Equal(t, []byte("ping"), echo.Info)
	_, ok := m.Connection(remote)
	assert.False(t, ok, "connectionless frames must not spawn a connection")
}

// T1 retries SABM up to N2 times, then reports ErrGRetriesExhausted and
// disconnects.
func TestManagerT1RetriesExhaustConnection(t *testing.T) {
	app := newRecordingApp()
	m, out, _, _ := testManager(t, app)
	remote := callsign.MustParse("N1CALL")

	c := m.Connect(remote)
	for i := 0; i < DefaultConfig().N2+1; i++ {
		recvFrame(t, out)
	}

	select {
	case msg := <-app.errors:
		assert.Contains(t, msg, "retry")
	case <-time.After(2 * time.Second):
		t.Fatal("OnError was not called after retries exhausted")
	}
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
}
