package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/blesock/internal/session"
)

// --- Session messages ---

type readyMsg struct{}

type failMsg struct{}

type bluetoothMsg struct{}

type discoverMsg struct {
	name string
	id   int
}

type connectMsg struct{}

type disconnectMsg struct{}

type joinMsg struct{ player session.Player }

type leaveMsg struct{ player session.Player }

type receiveMsg struct {
	data   []byte
	sender session.Player
}

// closedMsg is returned once Events is closed and drained
type closedMsg struct{}

// Events is a session.GuestHandler that queues every callback as a tea.Msg.
// The queue is unbounded so the session never waits on the UI.
type Events struct {
	mu     sync.Mutex
	queue  []tea.Msg
	notify chan struct{}
	closed bool
}

var _ session.GuestHandler = (*Events)(nil)

// NewEvents returns an empty queue
func NewEvents() *Events {
	return &Events{notify: make(chan struct{}, 1)}
}

func (e *Events) push(msg tea.Msg) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Close wakes a pending wait; later callbacks are dropped
func (e *Events) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// next blocks until a message is queued or the queue is closed
func (e *Events) next() tea.Msg {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			msg := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return msg
		}
		if e.closed {
			e.mu.Unlock()
			return closedMsg{}
		}
		e.mu.Unlock()
		<-e.notify
	}
}

// wait returns a command that delivers the next session message
func (e *Events) wait() tea.Cmd {
	return func() tea.Msg { return e.next() }
}

func (e *Events) OnBluetoothRequire()            { e.push(bluetoothMsg{}) }
func (e *Events) OnReady()                       { e.push(readyMsg{}) }
func (e *Events) OnFail()                        { e.push(failMsg{}) }
func (e *Events) OnConnect()                     { e.push(connectMsg{}) }
func (e *Events) OnDisconnect()                  { e.push(disconnectMsg{}) }
func (e *Events) OnDiscover(name string, id int) { e.push(discoverMsg{name: name, id: id}) }
func (e *Events) OnPlayerJoin(p session.Player)  { e.push(joinMsg{player: p}) }
func (e *Events) OnPlayerLeave(p session.Player) { e.push(leaveMsg{player: p}) }
func (e *Events) OnReceive(m []byte, s session.Player) {
	e.push(receiveMsg{data: append([]byte(nil), m...), sender: s})
}
