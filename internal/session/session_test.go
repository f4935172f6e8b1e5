package session_test

import (
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
	"github.com/vitaminmoo/blesock/internal/protocol"
	"github.com/vitaminmoo/blesock/internal/session"
	"github.com/vitaminmoo/blesock/internal/transport/sim"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type message struct {
	text   string
	sender session.Player
}

type recorder struct {
	mu       sync.Mutex
	events   []string
	messages []message
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

func (r *recorder) received() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

func (r *recorder) OnBluetoothRequire()            { r.add("bluetoothRequire") }
func (r *recorder) OnReady()                       { r.add("ready") }
func (r *recorder) OnFail()                        { r.add("fail") }
func (r *recorder) OnPlayerJoin(p session.Player)  { r.add("join %s", p.Name) }
func (r *recorder) OnPlayerLeave(p session.Player) { r.add("leave %s", p.Name) }
func (r *recorder) OnDiscover(name string, id int) { r.add("discover %s %d", name, id) }
func (r *recorder) OnConnect()                     { r.add("connect") }
func (r *recorder) OnDisconnect()                  { r.add("disconnect") }

func (r *recorder) OnReceive(m []byte, s session.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message{string(m), s})
}

type fixture struct {
	radio    *sim.Radio
	host     *session.Host
	hostSink *recorder
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{radio: sim.New(sim.WithLogger(quiet)), hostSink: &recorder{}}
	t.Cleanup(f.radio.Close)

	opts = append([]session.Option{session.WithLogger(quiet)}, opts...)
	f.host = session.NewHost(f.radio.Peripheral(), f.hostSink, opts...)
	require.NoError(t, f.host.Initialize("ChatTest", "hostess"))
	require.Eventually(t, func() bool { return f.hostSink.has("ready") }, waitFor, tick)
	require.NoError(t, f.host.StartAdvertising("chat"))
	t.Cleanup(f.host.Cleanup)
	return f
}

type guest struct {
	*session.Guest
	sink      *recorder
	transport *sim.Central
}

func (f *fixture) guest(t *testing.T, protocolID, name string) *guest {
	t.Helper()
	g := &guest{sink: &recorder{}, transport: f.radio.NewCentral()}
	g.Guest = session.NewGuest(g.transport, g.sink, session.WithLogger(quiet))
	t.Cleanup(g.Cleanup)

	require.NoError(t, g.Initialize(protocolID, name))
	require.Eventually(t, func() bool { return g.sink.has("ready") }, waitFor, tick)
	return g
}

// join scans, connects and waits for admission
func (f *fixture) join(t *testing.T, name string) *guest {
	t.Helper()
	g := f.guest(t, "ChatTest", name)
	require.NoError(t, g.StartScan())
	require.Eventually(t, func() bool { return g.sink.has("discover chat 1") }, waitFor, tick)
	require.NoError(t, g.Connect(1))
	require.Eventually(t, func() bool { return g.sink.has("connect") }, waitFor, tick)
	return g
}

func names(players []session.Player) []string {
	var out []string
	for _, p := range players {
		out = append(out, p.Name)
	}
	return out
}

func TestInitializeValidatesNames(t *testing.T) {
	radio := sim.New(sim.WithLogger(quiet))
	t.Cleanup(radio.Close)
	h := session.NewHost(radio.Peripheral(), &recorder{}, session.WithLogger(quiet))

	assert.ErrorIs(t, h.Initialize("ChatTest", ""), protocol.ErrInvalidName)
	assert.ErrorIs(t, h.Initialize("ChatTest", "abcdefghijklmnopqrstuvwxyz0123456"), session.ErrNameTooLong)
	assert.ErrorIs(t, h.Initialize("", "ok"), protocol.ErrEmptyProtocol)
	assert.ErrorIs(t, h.SetMaximumPlayers(17), session.ErrTooManyPlayers)
}

func TestAdvertisingNameLimit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.StopAdvertising())
	assert.ErrorIs(t, f.host.StartAdvertising("abcdefghijklmnopqrstuvwxyz01"), session.ErrNameTooLong)
	assert.NoError(t, f.host.StartAdvertising("abcdefghijklmnopqrstuvwxyz0"))
}

func TestJoinAssignsSlotsAndRosters(t *testing.T) {
	f := newFixture(t)
	ada := f.join(t, "ada")
	assert.Equal(t, session.Player{ID: 1 << 1, Name: "ada"}, ada.LocalPlayer())
	assert.Equal(t, []string{"hostess", "ada"}, names(ada.Players()))
	assert.Equal(t, session.GuestOnline, ada.State())

	bob := f.join(t, "bob")
	assert.Equal(t, 1<<2, bob.LocalPlayer().ID)
	assert.Equal(t, []string{"hostess", "ada", "bob"}, names(bob.Players()))

	require.Eventually(t, func() bool { return ada.sink.has("join bob") }, waitFor, tick)
	assert.Equal(t, []string{"hostess", "ada", "bob"}, names(ada.Players()))
	assert.Equal(t, []string{"hostess", "ada", "bob"}, names(f.host.Players()))
	assert.True(t, f.hostSink.has("join ada"))
	assert.True(t, f.hostSink.has("join bob"))
}

func TestMessagesReachAddressedPlayers(t *testing.T) {
	f := newFixture(t)
	ada := f.join(t, "ada")
	bob := f.join(t, "bob")
	cy := f.join(t, "cy")

	require.NoError(t, ada.Send([]byte("to others"), protocol.Others))
	require.NoError(t, ada.Send([]byte("to bob"), bob.LocalPlayer().ID))
	require.NoError(t, ada.Send([]byte("to all"), protocol.All))
	require.NoError(t, f.host.Send([]byte("from host"), protocol.Others))

	require.Eventually(t, func() bool { return len(bob.sink.received()) == 4 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(cy.sink.received()) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.hostSink.received()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(ada.sink.received()) == 2 }, waitFor, tick)

	assert.ElementsMatch(t, []message{
		{"to others", ada.LocalPlayer()},
		{"to bob", ada.LocalPlayer()},
		{"to all", ada.LocalPlayer()},
		{"from host", f.host.LocalPlayer()},
	}, bob.sink.received())
	assert.ElementsMatch(t, []message{
		{"to others", ada.LocalPlayer()},
		{"to all", ada.LocalPlayer()},
		{"from host", f.host.LocalPlayer()},
	}, cy.sink.received())

	// all includes the sender, others does not
	adaGot := ada.sink.received()
	assert.ElementsMatch(t, []message{
		{"to all", ada.LocalPlayer()},
		{"from host", f.host.LocalPlayer()},
	}, adaGot)
	assert.Equal(t, []message{
		{"to others", ada.LocalPlayer()},
		{"to all", ada.LocalPlayer()},
	}, f.hostSink.received())
}

func TestHostLocalDelivery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Send([]byte("me"), protocol.Host))
	assert.Equal(t, []message{{"me", f.host.LocalPlayer()}}, f.hostSink.received())
}

func TestLeaveAnnouncedAndSlotReused(t *testing.T) {
	f := newFixture(t)
	ada := f.join(t, "ada")
	bob := f.join(t, "bob")

	require.NoError(t, ada.Disconnect())
	require.Eventually(t, func() bool { return ada.sink.has("disconnect") }, waitFor, tick)
	require.Eventually(t, func() bool { return bob.sink.has("leave ada") }, waitFor, tick)
	require.Eventually(t, func() bool { return f.hostSink.has("leave ada") }, waitFor, tick)
	assert.Equal(t, []string{"hostess", "bob"}, names(bob.Players()))
	assert.Equal(t, session.GuestReady, ada.State())
	assert.Empty(t, ada.Players())

	cy := f.join(t, "cy")
	assert.Equal(t, 1<<1, cy.LocalPlayer().ID)
}

func TestOtherProtocolNotDiscovered(t *testing.T) {
	f := newFixture(t)
	other := f.guest(t, "SpeedTest", "eve")
	require.NoError(t, other.StartScan())
	f.radio.Settle()
	assert.False(t, other.sink.has("discover chat 1"))
}

// impostor knows the service identity but not the key
type impostor struct {
	engine *central.Central
	recorder
	challenges int
}

func (i *impostor) challenged() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.challenges
}

func (i *impostor) OnReceive(m []byte, from int) {
	if from != 0 {
		return
	}
	i.mu.Lock()
	i.challenges++
	i.mu.Unlock()
	msg, err := protocol.Unmarshal(m)
	if err != nil || msg.Type() != protocol.TypeRequestAuth {
		return
	}
	reply, _ := protocol.Marshal(protocol.RespondAuth{Name: "mallory"})
	_ = i.engine.Send(reply, 0)
}

func TestBadAuthenticationRejected(t *testing.T) {
	f := newFixture(t)
	id, _, err := protocol.DeriveIdentity("ChatTest")
	require.NoError(t, err)

	imp := &impostor{}
	imp.engine = central.New(f.radio.NewCentral(), imp, central.WithLogger(quiet))
	t.Cleanup(imp.engine.Cleanup)
	require.NoError(t, imp.engine.Initialize(id.Strings()))
	require.NoError(t, imp.engine.StartScan())
	require.Eventually(t, func() bool { return imp.has("discover chat 1") }, waitFor, tick)
	require.NoError(t, imp.engine.Connect(1))
	require.Eventually(t, func() bool { return imp.challenged() == 1 }, waitFor, tick)

	f.radio.Settle()
	assert.False(t, f.hostSink.has("join mallory"))
	assert.Equal(t, []string{"hostess"}, names(f.host.Players()))

	// the hub dropped the subscription, so the next write is refused
	require.NoError(t, imp.engine.Send([]byte("hello"), protocol.All))
	require.Eventually(t, func() bool { return imp.has("disconnect") }, waitFor, tick)
}

func TestSessionFull(t *testing.T) {
	f := newFixture(t, session.WithMaxPlayers(2))
	f.join(t, "ada")

	late := f.guest(t, "ChatTest", "late")
	require.NoError(t, late.StartScan())
	require.Eventually(t, func() bool { return late.sink.has("discover chat 1") }, waitFor, tick)
	require.NoError(t, late.Connect(1))

	// the host turns the guest away before any challenge
	f.radio.Settle()
	assert.False(t, late.sink.has("connect"))
	assert.Equal(t, []string{"hostess", "ada"}, names(f.host.Players()))
	assert.Equal(t, session.GuestAuthenticate, late.State())
}

func TestGuestSendRequiresSession(t *testing.T) {
	f := newFixture(t)
	g := f.guest(t, "ChatTest", "ada")
	assert.ErrorIs(t, g.Send([]byte("x"), protocol.All), session.ErrNotReady)
	assert.ErrorIs(t, g.Disconnect(), session.ErrNotReady)
	assert.ErrorIs(t, g.Connect(5), central.ErrUnknownDevice)
	assert.Equal(t, session.GuestReady, g.State())
}
