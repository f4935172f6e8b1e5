package hub_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/link"
	"github.com/vitaminmoo/blesock/internal/link/linktest"
)

const (
	serviceID  = "38569cdb-3bdb-e45c-ae80-fbfbd70b1b67"
	uploadID   = "2a086c88-9b7c-6a7e-6f0b-eba350ed4dba"
	downloadID = "f87b2814-f4b5-ac82-6e08-8866dfe0fbb1"
)

var (
	upload   = uuid.MustParse(uploadID)
	download = uuid.MustParse(downloadID)
)

type response struct {
	status link.Status
	value  []byte
}

type notification struct {
	device string
	value  []byte
}

type fakeTransport struct {
	events  hub.Events
	enabled bool
	name    string
	addErr  error

	calls     []string
	responses map[string][]response
	notifies  []notification
	inFlight  int
	maxFlight int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		enabled:   true,
		name:      "laptop",
		responses: map[string][]response{},
	}
}

func (f *fakeTransport) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTransport) Open(events hub.Events) error {
	f.events = events
	return nil
}

func (f *fakeTransport) Close()        { f.record("close") }
func (f *fakeTransport) Enabled() bool { return f.enabled }

func (f *fakeTransport) AddService(id link.ServiceIdentity) error {
	f.record("addService")
	return f.addErr
}

func (f *fakeTransport) StartAdvertising(service uuid.UUID) error {
	f.record("startAdvertising")
	return nil
}

func (f *fakeTransport) StopAdvertising() error {
	f.record("stopAdvertising")
	return nil
}

func (f *fakeTransport) Name() (string, error) { return f.name, nil }

func (f *fakeTransport) SetName(name string) error {
	f.record("setName %s", name)
	f.name = name
	return nil
}

func (f *fakeTransport) Respond(device string, requestID int, status link.Status, value []byte) error {
	f.responses[device] = append(f.responses[device], response{status, value})
	return nil
}

func (f *fakeTransport) Notify(device string, char uuid.UUID, value []byte) error {
	f.notifies = append(f.notifies, notification{device, value})
	f.inFlight++
	f.maxFlight = max(f.maxFlight, f.inFlight)
	return nil
}

func (f *fakeTransport) lastResponse(device string) response {
	rs := f.responses[device]
	if len(rs) == 0 {
		return response{status: -1}
	}
	return rs[len(rs)-1]
}

type delivery struct {
	message []byte
	from    int
}

type recordingSink struct {
	events  []string
	relayed []delivery
	direct  []delivery
}

func (s *recordingSink) OnBluetoothRequire() { s.events = append(s.events, "bluetoothRequire") }
func (s *recordingSink) OnReady()            { s.events = append(s.events, "ready") }
func (s *recordingSink) OnFail()             { s.events = append(s.events, "fail") }

func (s *recordingSink) OnConnect(connID int) {
	s.events = append(s.events, fmt.Sprintf("connect %d", connID))
}

func (s *recordingSink) OnDisconnect(connID int) {
	s.events = append(s.events, fmt.Sprintf("disconnect %d", connID))
}

func (s *recordingSink) OnReceive(message []byte, playerID int) {
	s.relayed = append(s.relayed, delivery{message, playerID})
}

func (s *recordingSink) OnReceiveDirect(message []byte, connID int) {
	s.direct = append(s.direct, delivery{message, connID})
}

func (s *recordingSink) count(event string) int {
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

type fixture struct {
	h     *hub.Hub
	t     *fakeTransport
	sink  *recordingSink
	clock *linktest.Clock
	reqID int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     newFakeTransport(),
		sink:  &recordingSink{},
		clock: linktest.NewClock(),
	}
	f.h = hub.New(f.t, f.sink, hub.WithClock(f.clock))
	require.NoError(t, f.h.Initialize(serviceID, uploadID, downloadID))
	require.Equal(t, []string{"addService"}, f.t.calls)
	f.t.events.ServiceAdded(nil)
	require.Equal(t, hub.StateReady, f.h.State())
	require.NoError(t, f.h.StartAdvertising("host"))
	f.t.events.AdvertisingStarted(nil)
	require.Equal(t, "laptop", f.t.name)
	f.sink.events = nil
	return f
}

func (f *fixture) nextRequest() int {
	f.reqID++
	return f.reqID
}

func (f *fixture) subscribe(device string) {
	f.t.events.ConnectionChanged(device, true)
	f.t.events.DescriptorWriteRequest(device, f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: link.EnableIndication, ResponseNeeded: true})
}

func (f *fixture) write(device string, value []byte) {
	f.t.events.WriteRequest(device, f.nextRequest(), upload,
		hub.WriteParams{Value: value, ResponseNeeded: true})
}

// join runs the subscribe + handshake write sequence and returns the connection id
func (f *fixture) join(t *testing.T, device string) int {
	t.Helper()
	f.subscribe(device)
	f.write(device, []byte{})
	conns := f.h.Connections()
	require.NotEmpty(t, conns)
	last := conns[len(conns)-1]
	require.Equal(t, device, last.Device)
	return last.ID
}

func (f *fixture) sendFrame(t *testing.T, device string, message []byte, to int) {
	t.Helper()
	encoded, err := frame.Encode(message, to)
	require.NoError(t, err)
	f.write(device, encoded)
}

// sent completes the in-flight notify of device
func (f *fixture) sent(device string) {
	f.t.inFlight--
	f.t.events.NotificationSent(device, nil)
}

func decodeNotify(t *testing.T, value []byte) frame.Frame {
	t.Helper()
	require.NotEmpty(t, value)
	assert.Equal(t, byte(0), value[len(value)-1], "continuation")
	rx := frame.NewReassembler(frame.BufferSize, frame.MaxMessageSize)
	frames, err := rx.Feed(value[:len(value)-1])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	return frames[0]
}

func TestInitializeWaitsForRadio(t *testing.T) {
	ft := newFakeTransport()
	ft.enabled = false
	sink := &recordingSink{}
	clock := linktest.NewClock()
	h := hub.New(ft, sink, hub.WithClock(clock))

	require.NoError(t, h.Initialize(serviceID, uploadID, downloadID))
	assert.Equal(t, []string{"bluetoothRequire"}, sink.events)
	clock.Advance(3 * time.Second)
	assert.Empty(t, ft.calls)

	ft.enabled = true
	clock.Advance(time.Second)
	ft.events.PowerChanged(true)
	clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"addService"}, ft.calls)

	ft.events.ServiceAdded(nil)
	assert.Equal(t, hub.StateReady, h.State())
	assert.Equal(t, []string{"bluetoothRequire", "ready"}, sink.events)
}

func TestAddServiceFailureAllowsRetry(t *testing.T) {
	ft := newFakeTransport()
	ft.addErr = errors.New("no gatt server")
	sink := &recordingSink{}
	h := hub.New(ft, sink, hub.WithClock(linktest.NewClock()))

	require.NoError(t, h.Initialize(serviceID, uploadID, downloadID))
	assert.Equal(t, hub.StateInvalid, h.State())
	assert.Equal(t, []string{"addService", "close"}, ft.calls)
	assert.Equal(t, []string{"fail"}, sink.events)

	ft.addErr = nil
	require.NoError(t, h.Initialize(serviceID, uploadID, downloadID))
	assert.Equal(t, hub.StateInitialize, h.State())

	// an asynchronous registration failure rolls back the same way
	ft.events.ServiceAdded(errors.New("registration rejected"))
	assert.Equal(t, hub.StateInvalid, h.State())
	assert.Equal(t, []string{"fail", "fail"}, sink.events)

	require.NoError(t, h.Initialize(serviceID, uploadID, downloadID))
	ft.events.ServiceAdded(nil)
	assert.Equal(t, hub.StateReady, h.State())
	assert.Equal(t, []string{"fail", "fail", "ready"}, sink.events)
}

func TestInitializeRejectsBadIdentity(t *testing.T) {
	h := hub.New(newFakeTransport(), &recordingSink{})
	assert.ErrorIs(t, h.Initialize(serviceID, "bad", downloadID), link.ErrInvalidIdentity)
	assert.Equal(t, hub.StateInvalid, h.State())
}

func TestAdvertisingRenamesAdapter(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"addService", "setName host", "startAdvertising", "setName laptop"}, f.t.calls)
	assert.Equal(t, hub.StateAdvertise, f.h.State())

	assert.ErrorIs(t, f.h.StartAdvertising("again"), link.ErrInvalidState)
	require.NoError(t, f.h.StopAdvertising())
	assert.Equal(t, hub.StateReady, f.h.State())
	assert.ErrorIs(t, f.h.StartAdvertising(""), hub.ErrInvalidName)
}

func TestAdvertisingFailure(t *testing.T) {
	ft := newFakeTransport()
	sink := &recordingSink{}
	h := hub.New(ft, sink, hub.WithClock(linktest.NewClock()))
	require.NoError(t, h.Initialize(serviceID, uploadID, downloadID))
	ft.events.ServiceAdded(nil)
	require.NoError(t, h.StartAdvertising("host"))

	ft.events.AdvertisingStarted(errors.New("too many advertisers"))
	assert.Equal(t, hub.StateReady, h.State())
	assert.Equal(t, "laptop", ft.name)
	assert.Equal(t, []string{"ready", "fail"}, sink.events)
	assert.Contains(t, ft.calls, "stopAdvertising")
}

func TestWriteBeforeSubscribeRejected(t *testing.T) {
	f := newFixture(t)
	f.t.events.ConnectionChanged("A", true)

	f.write("A", []byte{})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("A").status)
	assert.Empty(t, f.h.Connections())
	assert.Empty(t, f.sink.events)

	f.t.events.ReadRequest("A", f.nextRequest(), download, 0)
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("A").status)

	// unknown device
	f.write("B", []byte{})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("B").status)
}

func TestHandshakeAssignsConnectionIDs(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	b := f.join(t, "B")

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, []string{"connect 1", "connect 2"}, f.sink.events)
	assert.Equal(t, link.StatusSuccess, f.t.lastResponse("A").status)
}

func TestBadWriteParametersUnsubscribe(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")

	f.t.events.WriteRequest("A", f.nextRequest(), upload,
		hub.WriteParams{Value: []byte{1}, ResponseNeeded: true, Offset: 3})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("A").status)
	assert.Equal(t, []string{"connect 1", fmt.Sprintf("disconnect %d", a)}, f.sink.events)

	// resubscribing on the same link gets a fresh connection id
	f.t.events.DescriptorWriteRequest("A", f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: link.EnableIndication, ResponseNeeded: true})
	f.write("A", []byte{})
	assert.Equal(t, "connect 2", f.sink.events[len(f.sink.events)-1])
}

func TestDirectMessage(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")

	f.sendFrame(t, "A", []byte("hello"), 0)
	require.Len(t, f.sink.direct, 1)
	assert.Equal(t, []byte("hello"), f.sink.direct[0].message)
	assert.Equal(t, a, f.sink.direct[0].from)

	// unaccepted senders are not relayed
	f.sendFrame(t, "A", []byte("hello"), 1)
	assert.Empty(t, f.sink.relayed)
}

func TestRelay(t *testing.T) {
	f := newFixture(t)
	players := map[string]int{"A": 1, "B": 2, "C": 4}
	for _, dev := range []string{"A", "B", "C"} {
		require.NoError(t, f.h.Accept(f.join(t, dev), players[dev]))
	}

	f.sendFrame(t, "A", []byte("hi"), 6)
	require.Len(t, f.t.notifies, 1)
	assert.Equal(t, "B", f.t.notifies[0].device)

	f.sent("B")
	require.Len(t, f.t.notifies, 2)
	assert.Equal(t, "C", f.t.notifies[1].device)
	f.sent("C")

	for _, n := range f.t.notifies {
		got := decodeNotify(t, n.value)
		assert.Equal(t, uint16(1), got.Address)
		assert.Equal(t, []byte("hi"), got.Payload)
	}
	assert.Empty(t, f.sink.relayed)
	assert.Equal(t, 1, f.t.maxFlight)

	// bit 1 reaches the hub itself, never echoed to the sender
	f.sendFrame(t, "B", []byte("to hub"), 0xffff)
	require.Len(t, f.sink.relayed, 1)
	assert.Equal(t, 2, f.sink.relayed[0].from)
	require.Len(t, f.t.notifies, 3)
	assert.Equal(t, "A", f.t.notifies[2].device)
	f.sent("A")
	require.Len(t, f.t.notifies, 4)
	assert.Equal(t, "C", f.t.notifies[3].device)
}

func TestHubSendUsesOwnAddress(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Accept(f.join(t, "A"), 2))
	f.join(t, "B")

	require.NoError(t, f.h.Send([]byte("all"), 0xffff))
	require.Len(t, f.t.notifies, 1)
	assert.Equal(t, "A", f.t.notifies[0].device)
	assert.Equal(t, uint16(1), decodeNotify(t, f.t.notifies[0].value).Address)
}

func TestArbiterFIFO(t *testing.T) {
	f := newFixture(t)
	ids := map[string]int{}
	for _, dev := range []string{"A", "B", "C", "D"} {
		ids[dev] = f.join(t, dev)
	}

	for _, dev := range []string{"A", "B", "C", "D"} {
		require.NoError(t, f.h.SendDirect([]byte(dev), ids[dev]))
	}
	require.Len(t, f.t.notifies, 1)

	// C leaves while queued and is skipped
	f.t.events.ConnectionChanged("C", false)

	f.sent("A")
	f.sent("B")
	f.sent("D")

	var order []string
	for _, n := range f.t.notifies {
		order = append(order, n.device)
		assert.Equal(t, []byte(n.device), decodeNotify(t, n.value).Payload)
		assert.Equal(t, uint16(0), decodeNotify(t, n.value).Address)
	}
	assert.Equal(t, []string{"A", "B", "D"}, order)
	assert.Equal(t, 1, f.t.maxFlight)
}

func TestArbiterQueuesWaiterOnce(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	b := f.join(t, "B")
	c := f.join(t, "C")

	require.NoError(t, f.h.SendDirect([]byte("x"), a))
	require.NoError(t, f.h.SendDirect([]byte("y"), b))

	// B drains its bytes by reading, then queues again while still waiting
	f.t.events.ReadRequest("B", f.nextRequest(), download, 0)
	require.NotEmpty(t, f.t.lastResponse("B").value)
	require.NoError(t, f.h.SendDirect([]byte("z"), b))
	require.NoError(t, f.h.SendDirect([]byte("c"), c))

	f.sent("A")
	require.NoError(t, f.h.SendDirect([]byte("w"), b))
	f.sent("B")
	f.sent("C")
	f.sent("B")

	var order []string
	for _, n := range f.t.notifies {
		order = append(order, n.device+":"+string(decodeNotify(t, n.value).Payload))
	}
	assert.Equal(t, []string{"A:x", "B:z", "C:c", "B:w"}, order)
	assert.Equal(t, 1, f.t.maxFlight)
}

func TestOwnerDisconnectReleasesArbiter(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	b := f.join(t, "B")
	require.NoError(t, f.h.SendDirect([]byte("x"), a))
	require.NoError(t, f.h.SendDirect([]byte("y"), b))
	require.Len(t, f.t.notifies, 1)

	f.t.inFlight--
	f.t.events.ConnectionChanged("A", false)
	require.Len(t, f.t.notifies, 2)
	assert.Equal(t, "B", f.t.notifies[1].device)
	assert.Equal(t, 1, f.sink.count(fmt.Sprintf("disconnect %d", a)))

	// a late completion for A does not steal B's slot
	f.t.events.NotificationSent("A", nil)
	require.NoError(t, f.h.SendDirect([]byte("z"), b))
	assert.Len(t, f.t.notifies, 2)
}

func TestNotifyFailureTearsDownOwnerOnly(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	b := f.join(t, "B")
	require.NoError(t, f.h.SendDirect([]byte("x"), a))
	require.NoError(t, f.h.SendDirect([]byte("y"), b))

	f.t.inFlight--
	f.t.events.NotificationSent("A", errors.New("att error"))
	assert.Equal(t, []string{"connect 1", "connect 2", "disconnect 1"}, f.sink.events)
	require.Len(t, f.t.notifies, 2)
	assert.Equal(t, "B", f.t.notifies[1].device)
	assert.Len(t, f.h.Connections(), 1)
}

func TestLargeMessageDrainsThroughReads(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	f.t.events.MTUChanged("A", 23)

	message := bytes.Repeat([]byte{0x42}, 100)
	require.NoError(t, f.h.SendDirect(message, a))
	require.Len(t, f.t.notifies, 1)
	first := f.t.notifies[0].value
	assert.Len(t, first, 20)
	assert.Equal(t, byte(1), first[19])
	f.sent("A")

	rx := frame.NewReassembler(frame.BufferSize, 0)
	frames, err := rx.Feed(first[:19])
	require.NoError(t, err)
	assert.Empty(t, frames)

	// the central keeps reading while the continuation byte is set
	more := true
	for more {
		f.t.events.ReadRequest("A", f.nextRequest(), download, 0)
		r := f.t.lastResponse("A")
		require.Equal(t, link.StatusSuccess, r.status)
		require.LessOrEqual(t, len(r.value), 20)
		got, err := rx.Feed(r.value[:len(r.value)-1])
		require.NoError(t, err)
		frames = append(frames, got...)
		more = r.value[len(r.value)-1] == 1
	}
	require.Len(t, frames, 1)
	assert.Equal(t, message, frames[0].Payload)

	// idle reads answer empty and the next send notifies again
	f.t.events.ReadRequest("A", f.nextRequest(), download, 0)
	assert.Empty(t, f.t.lastResponse("A").value)
	require.NoError(t, f.h.SendDirect([]byte("next"), a))
	assert.Len(t, f.t.notifies, 2)
}

func TestAcceptanceTimeout(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	b := f.join(t, "B")

	f.clock.Advance(18900 * time.Millisecond)
	require.NoError(t, f.h.Accept(b, 2))
	f.clock.Advance(100 * time.Millisecond)

	assert.Equal(t, 1, f.sink.count(fmt.Sprintf("disconnect %d", a)))
	assert.Zero(t, f.sink.count(fmt.Sprintf("disconnect %d", b)))

	f.clock.Advance(time.Minute)
	assert.Equal(t, []hub.Connection{{ID: b, PlayerID: 2, Device: "B"}}, f.h.Connections())
}

func TestFrameTooLargeTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")
	b := f.join(t, "B")

	f.write("A", []byte{0x01, 0x10, 0x00, 0x00})
	assert.Equal(t, 1, f.sink.count(fmt.Sprintf("disconnect %d", a)))

	// further writes are rejected, the disconnect is not repeated
	f.write("A", []byte{0x01, 0x10, 0x00, 0x00})
	f.t.events.ConnectionChanged("A", false)
	assert.Equal(t, 1, f.sink.count(fmt.Sprintf("disconnect %d", a)))

	// the other central is unaffected
	f.sendFrame(t, "B", []byte("ok"), 0)
	require.Len(t, f.sink.direct, 1)
	assert.Equal(t, b, f.sink.direct[0].from)
}

func TestDescriptorValues(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")

	f.t.events.DescriptorWriteRequest("A", f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: link.DisableNotification, ResponseNeeded: true})
	assert.Equal(t, link.StatusSuccess, f.t.lastResponse("A").status)
	assert.Equal(t, 1, f.sink.count(fmt.Sprintf("disconnect %d", a)))

	f.t.events.DescriptorWriteRequest("A", f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: link.DisableNotification, ResponseNeeded: true})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("A").status)

	f.t.events.DescriptorWriteRequest("A", f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: []byte{0x07}, ResponseNeeded: true})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("A").status)
}

func TestSubscribeRequiresAdvertising(t *testing.T) {
	f := newFixture(t)
	f.t.events.ConnectionChanged("A", true)
	require.NoError(t, f.h.StopAdvertising())

	f.t.events.DescriptorWriteRequest("A", f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: link.EnableIndication, ResponseNeeded: true})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("A").status)

	// no context is created while not advertising
	f.t.events.ConnectionChanged("B", true)
	f.t.events.DescriptorWriteRequest("B", f.nextRequest(), link.NotificationDescriptor,
		hub.WriteParams{Value: link.EnableIndication, ResponseNeeded: true})
	assert.Equal(t, link.StatusFailure, f.t.lastResponse("B").status)
}

func TestAcceptAndSendErrors(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "A")

	assert.ErrorIs(t, f.h.Accept(99, 2), hub.ErrUnknownConnection)
	assert.ErrorIs(t, f.h.Accept(a, 0), hub.ErrInvalidPlayer)
	assert.ErrorIs(t, f.h.Accept(a, 0x10000), hub.ErrInvalidPlayer)
	assert.ErrorIs(t, f.h.SendDirect([]byte("x"), 99), hub.ErrUnknownConnection)
	assert.ErrorIs(t, f.h.SendDirect(make([]byte, frame.MaxMessageSize+1), a), frame.ErrMessageTooLarge)
	assert.ErrorIs(t, f.h.Invalidate(99), hub.ErrUnknownConnection)

	require.NoError(t, f.h.Invalidate(a))
	assert.Equal(t, 1, f.sink.count(fmt.Sprintf("disconnect %d", a)))
	assert.ErrorIs(t, f.h.SendDirect([]byte("x"), a), hub.ErrUnknownConnection)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.join(t, "A")

	f.h.Cleanup()
	assert.Equal(t, hub.StateInvalid, f.h.State())
	assert.Contains(t, f.t.calls, "close")
	assert.Contains(t, f.t.calls, "stopAdvertising")
	assert.Empty(t, f.h.Connections())

	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"connect 1"}, f.sink.events)

	// connection ids keep counting across re-initialization
	require.NoError(t, f.h.Initialize(serviceID, uploadID, downloadID))
	f.t.events.ServiceAdded(nil)
	require.NoError(t, f.h.StartAdvertising("host"))
	assert.Equal(t, 2, f.join(t, "A"))
}
