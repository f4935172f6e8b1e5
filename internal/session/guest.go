package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/link"
	"github.com/vitaminmoo/blesock/internal/protocol"
)

// GuestState is the lifecycle state of a Guest.
type GuestState int

const (
	GuestInvalid GuestState = iota
	GuestReady
	GuestScan
	GuestConnect
	GuestAuthenticate
	GuestOnline
)

func (s GuestState) String() string {
	switch s {
	case GuestInvalid:
		return "invalid"
	case GuestReady:
		return "ready"
	case GuestScan:
		return "scan"
	case GuestConnect:
		return "connect"
	case GuestAuthenticate:
		return "authenticate"
	case GuestOnline:
		return "online"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Guest joins a host's session over a central transport.
type Guest struct {
	mu      sync.Mutex
	central *central.Central
	handler GuestHandler
	events  link.Dispatcher
	log     *slog.Logger

	state   GuestState
	key     protocol.AuthKey
	name    string
	local   Player
	players map[int]Player
}

// NewGuest creates a guest over a central transport.
func NewGuest(t central.Transport, handler GuestHandler, opts ...Option) *Guest {
	o := buildOptions(opts)
	g := &Guest{
		handler: handler,
		log:     o.log.With("session", "guest"),
		players: make(map[int]Player),
	}
	g.central = central.New(t, guestSink{g}, o.centralOptions()...)
	return g
}

func (g *Guest) unlock() {
	g.mu.Unlock()
	g.events.Flush()
}

func (g *Guest) post(f func(GuestHandler)) {
	handler := g.handler
	if handler == nil {
		return
	}
	g.events.Post(func() { f(handler) })
}

// Engine exposes the underlying central for diagnostics
func (g *Guest) Engine() *central.Central {
	return g.central
}

// State returns the session state
func (g *Guest) State() GuestState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Initialize derives the service from protocolID and opens the central.
func (g *Guest) Initialize(protocolID, playerName string) error {
	if err := checkPlayerName(playerName); err != nil {
		return err
	}
	id, key, err := protocol.DeriveIdentity(protocolID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.state != GuestInvalid {
		defer g.mu.Unlock()
		return fmt.Errorf("initialize: %w: %s", link.ErrInvalidState, g.state)
	}
	g.key = key
	g.name = playerName
	g.mu.Unlock()

	g.log.Info("initializing", "protocol", protocolID, "service", id.Service)
	return g.central.Initialize(id.Strings())
}

// transition moves from one of the allowed states to next and returns
// the previous state
func (g *Guest) transition(next GuestState, allowed ...GuestState) (GuestState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.state
	for _, s := range allowed {
		if s == prev {
			g.state = next
			return prev, nil
		}
	}
	return prev, fmt.Errorf("%w: %s", ErrNotReady, prev)
}

// restore undoes a transition when the engine refused the command
func (g *Guest) restore(from, to GuestState) {
	g.mu.Lock()
	if g.state == from {
		g.state = to
	}
	g.mu.Unlock()
}

// StartScan looks for hosts of the protocol. Each is reported through OnDiscover.
func (g *Guest) StartScan() error {
	prev, err := g.transition(GuestScan, GuestReady)
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if err := g.central.StartScan(); err != nil {
		g.restore(GuestScan, prev)
		return err
	}
	return nil
}

// StopScan stops looking for hosts.
func (g *Guest) StopScan() error {
	prev, err := g.transition(GuestReady, GuestScan)
	if err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	if err := g.central.StopScan(); err != nil {
		g.restore(GuestReady, prev)
		return err
	}
	return nil
}

// Connect joins the host reported under deviceID. OnConnect follows once
// the host has admitted this player; OnFail if it never does.
func (g *Guest) Connect(deviceID int) error {
	prev, err := g.transition(GuestConnect, GuestReady, GuestScan)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := g.central.Connect(deviceID); err != nil {
		g.restore(GuestConnect, prev)
		return err
	}
	return nil
}

// Disconnect leaves the session. Before the channel is up this is silent;
// afterwards OnDisconnect or OnFail follows.
func (g *Guest) Disconnect() error {
	g.mu.Lock()
	state := g.state
	g.mu.Unlock()
	if state != GuestConnect && state != GuestAuthenticate && state != GuestOnline {
		return fmt.Errorf("disconnect: %w: %s", ErrNotReady, state)
	}

	if err := g.central.Disconnect(); err != nil {
		return err
	}
	if state == GuestConnect {
		g.restore(GuestConnect, GuestReady)
	}
	return nil
}

// LocalPlayer returns this guest's player; its ID is zero until admitted
func (g *Guest) LocalPlayer() Player {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.local
}

// Players returns the roster ordered by slot
func (g *Guest) Players() []Player {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedPlayers(g.players)
}

// Send delivers message to every player in receiver. protocol.Others
// excludes this guest.
func (g *Guest) Send(message []byte, receiver int) error {
	g.mu.Lock()
	if g.state != GuestOnline {
		defer g.mu.Unlock()
		return fmt.Errorf("send: %w: %s", ErrNotReady, g.state)
	}
	local := g.local
	address := protocol.Resolve(receiver, local.ID)
	g.mu.Unlock()

	if remote := address &^ local.ID; remote != 0 {
		if err := g.central.Send(message, remote); err != nil {
			return err
		}
	}
	if address&local.ID != 0 {
		g.mu.Lock()
		g.post(func(hd GuestHandler) { hd.OnReceive(message, local) })
		g.unlock()
	}
	return nil
}

// Cleanup closes the central and forgets the session.
func (g *Guest) Cleanup() {
	g.central.Cleanup()

	g.mu.Lock()
	g.state = GuestInvalid
	g.local = Player{}
	g.players = make(map[int]Player)
	g.mu.Unlock()
	g.events.Discard()
}

// leave resets the session after the channel went away
func (g *Guest) leave() {
	g.local = Player{}
	g.players = make(map[int]Player)
	if g.state != GuestInvalid {
		g.state = GuestReady
	}
}

func (g *Guest) system(message []byte) {
	msg, err := protocol.Unmarshal(message)
	if err != nil {
		g.log.Warn("bad system message", "error", err)
		g.drop()
		return
	}

	g.mu.Lock()
	state := g.state
	switch m := msg.(type) {
	case protocol.RequestAuth:
		if state != GuestAuthenticate {
			g.mu.Unlock()
			g.log.Debug("challenge ignored", "state", state)
			return
		}
		reply := protocol.RespondAuth{Hash: protocol.AuthHash(g.key, m.Nonce), Name: g.name}
		g.mu.Unlock()

		if err := g.central.Send(encode(reply), 0); err != nil {
			g.log.Warn("auth response not sent", "error", err)
		}

	case protocol.AcceptAuth:
		id := int(m.PlayerID)
		if state != GuestAuthenticate || !singleSlot(id) || id == protocol.Host {
			g.mu.Unlock()
			g.log.Warn("unexpected admission", "state", state, "player", id)
			g.drop()
			return
		}
		g.local = Player{ID: id, Name: g.name}
		g.players = map[int]Player{id: g.local}
		for _, e := range m.Players {
			g.players[int(e.ID)] = Player{ID: int(e.ID), Name: e.Name}
		}
		g.state = GuestOnline
		g.post(GuestHandler.OnConnect)
		local := g.local
		g.mu.Unlock()

		g.log.Info("admitted", "player", local, "players", len(m.Players)+1)
		if err := g.central.Accept(); err != nil {
			g.log.Warn("accept failed", "error", err)
		}
		g.events.Flush()

	case protocol.PlayerJoin:
		if state == GuestOnline {
			p := Player{ID: int(m.PlayerID), Name: m.Name}
			g.players[p.ID] = p
			g.post(func(hd GuestHandler) { hd.OnPlayerJoin(p) })
		}
		g.unlock()

	case protocol.PlayerLeave:
		if state == GuestOnline {
			if p, ok := g.players[int(m.PlayerID)]; ok {
				delete(g.players, p.ID)
				g.post(func(hd GuestHandler) { hd.OnPlayerLeave(p) })
			}
		}
		g.unlock()

	default:
		g.mu.Unlock()
		g.log.Warn("unexpected system message", "type", msg.Type())
		g.drop()
	}
}

func (g *Guest) drop() {
	if err := g.central.Disconnect(); err != nil {
		g.log.Debug("disconnect", "error", err)
	}
}

// guestSink adapts central callbacks to the session
type guestSink struct{ g *Guest }

func (s guestSink) OnBluetoothRequire() {
	s.g.mu.Lock()
	s.g.post(func(hd GuestHandler) { hd.OnBluetoothRequire() })
	s.g.unlock()
}

func (s guestSink) OnReady() {
	g := s.g
	g.mu.Lock()
	g.state = GuestReady
	g.post(func(hd GuestHandler) { hd.OnReady() })
	g.unlock()
}

func (s guestSink) OnFail() {
	g := s.g
	g.mu.Lock()
	g.leave()
	g.post(func(hd GuestHandler) { hd.OnFail() })
	g.unlock()
}

func (s guestSink) OnDiscover(name string, id int) {
	s.g.mu.Lock()
	s.g.post(func(hd GuestHandler) { hd.OnDiscover(name, id) })
	s.g.unlock()
}

func (s guestSink) OnConnect() {
	g := s.g
	g.mu.Lock()
	if g.state == GuestConnect {
		g.state = GuestAuthenticate
	}
	g.unlock()
}

func (s guestSink) OnDisconnect() {
	g := s.g
	g.mu.Lock()
	online := g.state == GuestOnline
	g.leave()
	if online {
		g.post(GuestHandler.OnDisconnect)
	} else {
		g.post(func(hd GuestHandler) { hd.OnFail() })
	}
	g.unlock()
}

func (s guestSink) OnReceive(message []byte, from int) {
	g := s.g
	if from == 0 {
		g.system(message)
		return
	}

	g.mu.Lock()
	if g.state == GuestOnline {
		sender, ok := g.players[from]
		if !ok {
			sender = Player{ID: from}
		}
		g.post(func(hd GuestHandler) { hd.OnReceive(message, sender) })
	}
	g.unlock()
}
