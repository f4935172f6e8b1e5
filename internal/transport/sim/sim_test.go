package sim_test

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/transport/sim"
)

const (
	service  = "9640be03-e13d-535b-2a38-e5287e9fc047"
	upload   = "cdde93f4-00de-c10f-1bfc-c96bdd963238"
	download = "4bebbe6a-6a3b-e914-acd4-1a19fe159243"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type received struct {
	message []byte
	from    int
}

// recorder is a thread-safe sink for both engines
type recorder struct {
	mu       sync.Mutex
	events   []string
	messages []received
	conns    []int
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, event)
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) received() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

func (r *recorder) connections() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.conns)
}

func (r *recorder) OnBluetoothRequire()            { r.add("bluetoothRequire") }
func (r *recorder) OnReady()                       { r.add("ready") }
func (r *recorder) OnFail()                        { r.add("fail") }
func (r *recorder) OnDiscover(name string, id int) { r.add("discover %s %d", name, id) }

// central sink
func (r *recorder) OnConnect()    { r.add("connect") }
func (r *recorder) OnDisconnect() { r.add("disconnect") }

func (r *recorder) OnReceive(message []byte, from int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, received{message, from})
}

// hubRecorder adapts recorder to the hub sink
type hubRecorder struct{ *recorder }

func (r hubRecorder) OnConnect(connID int) {
	r.mu.Lock()
	r.conns = append(r.conns, connID)
	r.mu.Unlock()
	r.add("connect %d", connID)
}

func (r hubRecorder) OnDisconnect(connID int) { r.add("disconnect %d", connID) }

func (r hubRecorder) OnReceiveDirect(message []byte, connID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, received{message, -connID})
}

type peer struct {
	transport *sim.Central
	engine    *central.Central
	sink      *recorder
}

type world struct {
	radio   *sim.Radio
	hub     *hub.Hub
	hubSink *recorder
	peers   []*peer
}

func newWorld(t *testing.T, opts ...sim.Option) *world {
	t.Helper()
	radio := sim.New(append([]sim.Option{sim.WithLogger(quiet)}, opts...)...)
	t.Cleanup(radio.Close)

	w := &world{radio: radio, hubSink: &recorder{}}
	w.hub = hub.New(radio.Peripheral(), hubRecorder{w.hubSink}, hub.WithLogger(quiet))
	require.NoError(t, w.hub.Initialize(service, upload, download))
	require.Eventually(t, func() bool { return w.hubSink.has("ready") }, waitFor, tick)
	require.NoError(t, w.hub.StartAdvertising("sim-hub"))
	t.Cleanup(w.hub.Cleanup)
	return w
}

// join connects a new central and completes both handshakes
func (w *world) join(t *testing.T, playerID int) *peer {
	t.Helper()
	p := &peer{transport: w.radio.NewCentral(), sink: &recorder{}}
	p.engine = central.New(p.transport, p.sink, central.WithLogger(quiet))
	t.Cleanup(p.engine.Cleanup)

	require.NoError(t, p.engine.Initialize(service, upload, download))
	require.NoError(t, p.engine.StartScan())
	require.Eventually(t, func() bool { return p.sink.has("discover sim-hub 1") }, waitFor, tick)

	before := len(w.hubSink.connections())
	require.NoError(t, p.engine.Connect(1))
	require.Eventually(t, func() bool { return p.sink.has("connect") }, waitFor, tick)
	require.Eventually(t, func() bool { return len(w.hubSink.connections()) > before }, waitFor, tick)

	connID := w.hubSink.connections()[before]
	require.NoError(t, w.hub.Accept(connID, playerID))
	require.NoError(t, p.engine.Accept())
	w.peers = append(w.peers, p)
	return p
}

func payload(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func TestDiscoveryUsesAdvertisedName(t *testing.T) {
	w := newWorld(t, sim.WithName("laptop"))

	p := w.join(t, 1<<1)
	assert.Equal(t, central.StateOnline, p.engine.State())
	// the adapter name is restored once advertising is up
	assert.Equal(t, "laptop", w.radio.AdapterName())
	advertising, name := w.radio.Peripheral().Advertising()
	assert.True(t, advertising)
	assert.Equal(t, "sim-hub", name)
}

func TestOtherServiceNotDiscovered(t *testing.T) {
	w := newWorld(t)
	sink := &recorder{}
	c := central.New(w.radio.NewCentral(), sink, central.WithLogger(quiet))
	t.Cleanup(c.Cleanup)

	require.NoError(t, c.Initialize("38569cdb-3bdb-e45c-ae80-fbfbd70b1b67", upload, download))
	require.NoError(t, c.StartScan())
	w.radio.Settle()
	assert.False(t, sink.has("discover sim-hub 1"))
}

func TestRelayBetweenCentrals(t *testing.T) {
	w := newWorld(t)
	a := w.join(t, 1<<1)
	b := w.join(t, 1<<2)
	c := w.join(t, 1<<3)

	big := payload(3000, 1)
	require.NoError(t, a.engine.Send(big, 0xfffe))
	require.NoError(t, a.engine.Send([]byte("direct"), 0))
	require.NoError(t, a.engine.Send([]byte("host"), 1))

	for _, p := range []*peer{b, c} {
		require.Eventually(t, func() bool { return len(p.sink.received()) == 1 }, waitFor, tick)
		got := p.sink.received()[0]
		assert.Equal(t, 1<<1, got.from)
		assert.True(t, bytes.Equal(big, got.message))
	}
	require.Eventually(t, func() bool { return len(w.hubSink.received()) == 2 }, waitFor, tick)
	hubGot := w.hubSink.received()
	assert.Equal(t, "direct", string(hubGot[0].message))
	assert.Less(t, hubGot[0].from, 0)
	assert.Equal(t, "host", string(hubGot[1].message))
	assert.Equal(t, 1<<1, hubGot[1].from)

	w.radio.Settle()
	assert.Empty(t, a.sink.received(), "sender must not get its own message")
	for _, p := range w.peers {
		assert.LessOrEqual(t, p.transport.MaxPending(), 1)
	}
}

func TestHubBroadcastInterleaves(t *testing.T) {
	w := newWorld(t)
	a := w.join(t, 1<<1)
	b := w.join(t, 1<<2)

	msgs := [][]byte{payload(700, 3), payload(10, 4), payload(4096, 5)}
	for _, m := range msgs {
		require.NoError(t, w.hub.Send(m, 0xffff))
	}
	for _, p := range []*peer{a, b} {
		require.Eventually(t, func() bool { return len(p.sink.received()) == len(msgs) }, waitFor, tick)
		for i, got := range p.sink.received() {
			assert.Equal(t, 1, got.from)
			assert.True(t, bytes.Equal(msgs[i], got.message), "message %d", i)
		}
	}
}

func TestBusyConnectRetried(t *testing.T) {
	w := newWorld(t)
	w.radio.FailConnects(1)
	p := w.join(t, 1<<1)
	assert.Equal(t, central.StateOnline, p.engine.State())
	assert.False(t, p.sink.has("fail"))
}

func TestLinkLossReportsBothSides(t *testing.T) {
	w := newWorld(t)
	p := w.join(t, 1<<1)
	connID := w.hubSink.connections()[0]

	p.transport.LinkLoss()
	require.Eventually(t, func() bool { return p.sink.has("disconnect") }, waitFor, tick)
	require.Eventually(t, func() bool { return w.hubSink.has(fmt.Sprintf("disconnect %d", connID)) }, waitFor, tick)
	assert.Equal(t, central.StateReady, p.engine.State())
	assert.Empty(t, w.hub.Connections())
}

func TestCentralDisconnect(t *testing.T) {
	w := newWorld(t)
	p := w.join(t, 1<<1)

	require.NoError(t, p.engine.Disconnect())
	require.Eventually(t, func() bool { return p.sink.has("disconnect") }, waitFor, tick)
	w.radio.Settle()
	assert.Equal(t, 1, p.sink.count("disconnect"))
	assert.Zero(t, p.sink.count("fail"))
}

func TestInvalidatedCentralFailsOnNextWrite(t *testing.T) {
	w := newWorld(t)
	p := w.join(t, 1<<1)
	connID := w.hubSink.connections()[0]

	require.NoError(t, w.hub.Invalidate(connID))
	require.NoError(t, p.engine.Send([]byte("late"), 1))
	require.Eventually(t, func() bool { return p.sink.has("disconnect") }, waitFor, tick)
	assert.Equal(t, central.StateReady, p.engine.State())
}

func TestPowerLossDropsLinks(t *testing.T) {
	w := newWorld(t)
	p := w.join(t, 1<<1)

	w.radio.SetPowered(false)
	require.Eventually(t, func() bool { return p.sink.has("disconnect") }, waitFor, tick)
	advertising, _ := w.radio.Peripheral().Advertising()
	assert.False(t, advertising)

	w.radio.SetPowered(true)
	require.Eventually(t, func() bool {
		on, _ := w.radio.Peripheral().Advertising()
		return on
	}, waitFor, tick)
}

func TestUnavailableRadio(t *testing.T) {
	radio := sim.New(sim.Unavailable(), sim.WithLogger(quiet))
	t.Cleanup(radio.Close)

	c := central.New(radio.NewCentral(), &recorder{}, central.WithLogger(quiet))
	assert.Error(t, c.Initialize(service, upload, download))
	h := hub.New(radio.Peripheral(), hubRecorder{&recorder{}}, hub.WithLogger(quiet))
	assert.Error(t, h.Initialize(service, upload, download))
}
