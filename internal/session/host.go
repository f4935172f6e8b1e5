package session

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/link"
	"github.com/vitaminmoo/blesock/internal/protocol"
)

// guestSlots are the address bits a host hands out
const guestSlots = protocol.All &^ protocol.Host

// pendingGuest is a connection that has completed the channel handshake
// but not yet the session challenge
type pendingGuest struct {
	expect [32]byte
	player Player
}

// Host owns a session: it advertises, challenges every connecting guest,
// assigns player slots and keeps all guests' rosters in sync.
type Host struct {
	mu      sync.Mutex
	hub     *hub.Hub
	handler Handler
	events  link.Dispatcher
	log     *slog.Logger

	ready      bool
	key        protocol.AuthKey
	local      Player
	maxPlayers int
	used       int
	players    map[int]Player
	guests     map[int]*pendingGuest
}

// NewHost creates a host over a peripheral transport.
func NewHost(t hub.Transport, handler Handler, opts ...Option) *Host {
	o := buildOptions(opts)
	h := &Host{
		handler:    handler,
		log:        o.log.With("session", "host"),
		maxPlayers: o.maxPlayers,
		players:    make(map[int]Player),
		guests:     make(map[int]*pendingGuest),
	}
	h.hub = hub.New(t, hostSink{h}, o.hubOptions()...)
	return h
}

func (h *Host) unlock() {
	h.mu.Unlock()
	h.events.Flush()
}

func (h *Host) post(f func(Handler)) {
	handler := h.handler
	if handler == nil {
		return
	}
	h.events.Post(func() { f(handler) })
}

// Engine exposes the underlying hub for diagnostics
func (h *Host) Engine() *hub.Hub {
	return h.hub
}

// Initialize derives the service from protocolID and brings the hub up.
// OnReady follows once the service is registered.
func (h *Host) Initialize(protocolID, playerName string) error {
	if err := checkPlayerName(playerName); err != nil {
		return err
	}
	id, key, err := protocol.DeriveIdentity(protocolID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.key = key
	h.local = Player{ID: protocol.Host, Name: playerName}
	h.mu.Unlock()

	h.log.Info("initializing", "protocol", protocolID, "service", id.Service)
	return h.hub.Initialize(id.Strings())
}

// StartAdvertising makes the session visible under deviceName.
func (h *Host) StartAdvertising(deviceName string) error {
	if err := checkDeviceName(deviceName); err != nil {
		return err
	}
	return h.hub.StartAdvertising(deviceName)
}

// StopAdvertising hides the session. Connected guests stay.
func (h *Host) StopAdvertising() error {
	return h.hub.StopAdvertising()
}

// SetMaximumPlayers limits the session size, host included. Zero removes
// the limit. Players already admitted stay.
func (h *Host) SetMaximumPlayers(n int) error {
	if n < 0 || n > protocol.MaxPlayers {
		return fmt.Errorf("%w: %d of at most %d", ErrTooManyPlayers, n, protocol.MaxPlayers)
	}
	h.mu.Lock()
	h.maxPlayers = n
	h.mu.Unlock()
	return nil
}

// LocalPlayer returns the host's own player
func (h *Host) LocalPlayer() Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.local
}

// Players returns the roster ordered by slot
func (h *Host) Players() []Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedPlayers(h.players)
}

// Send delivers message to every player in receiver. protocol.Others
// excludes the host itself.
func (h *Host) Send(message []byte, receiver int) error {
	h.mu.Lock()
	if !h.ready {
		h.mu.Unlock()
		return fmt.Errorf("send: %w", ErrNotReady)
	}
	address := protocol.Resolve(receiver, protocol.Host)
	local := h.local
	h.mu.Unlock()

	if remote := address &^ protocol.Host; remote != 0 {
		if err := h.hub.Send(message, remote); err != nil {
			return err
		}
	}
	if address&protocol.Host != 0 {
		h.mu.Lock()
		h.post(func(hd Handler) { hd.OnReceive(message, local) })
		h.unlock()
	}
	return nil
}

// Cleanup stops the hub and forgets every player.
func (h *Host) Cleanup() {
	h.hub.Cleanup()

	h.mu.Lock()
	h.ready = false
	h.used = 0
	h.players = make(map[int]Player)
	h.guests = make(map[int]*pendingGuest)
	h.mu.Unlock()
	h.events.Discard()
}

// allocate returns the lowest free guest slot
func (h *Host) allocate() (int, bool) {
	free := guestSlots &^ h.used
	if free == 0 {
		return 0, false
	}
	return 1 << bits.TrailingZeros(uint(free)), true
}

// authenticated returns the connection ids of admitted guests except skip
func (h *Host) authenticated(skip int) []int {
	var out []int
	for connID, g := range h.guests {
		if connID != skip && g.player.ID != 0 {
			out = append(out, connID)
		}
	}
	return out
}

func (h *Host) sendDirect(msg protocol.Message, connIDs ...int) {
	data := encode(msg)
	for _, connID := range connIDs {
		if err := h.hub.SendDirect(data, connID); err != nil {
			h.log.Warn("system message not sent", "type", msg.Type(), "conn", connID, "error", err)
		}
	}
}

func (h *Host) invalidate(connID int, reason error) {
	h.log.Warn("rejecting guest", "conn", connID, "error", reason)
	if err := h.hub.Invalidate(connID); err != nil {
		h.log.Debug("invalidate", "conn", connID, "error", err)
	}
}

func (h *Host) connected(connID int) {
	h.mu.Lock()
	if !h.ready {
		h.mu.Unlock()
		h.invalidate(connID, ErrNotReady)
		return
	}
	if h.maxPlayers > 0 && len(h.players) >= h.maxPlayers {
		h.mu.Unlock()
		h.invalidate(connID, fmt.Errorf("%w: session full at %d", ErrTooManyPlayers, h.maxPlayers))
		return
	}
	nonce, err := protocol.NewNonce()
	if err != nil {
		h.mu.Unlock()
		h.invalidate(connID, err)
		return
	}
	h.guests[connID] = &pendingGuest{expect: protocol.AuthHash(h.key, nonce)}
	h.mu.Unlock()

	h.log.Debug("challenging guest", "conn", connID)
	h.sendDirect(protocol.RequestAuth{Nonce: nonce}, connID)
}

func (h *Host) respondAuth(connID int, m protocol.RespondAuth) {
	h.mu.Lock()
	g := h.guests[connID]
	switch {
	case g == nil:
		h.mu.Unlock()
		h.invalidate(connID, fmt.Errorf("%w: no challenge outstanding", ErrAuthentication))
		return
	case g.player.ID != 0:
		h.mu.Unlock()
		h.log.Debug("duplicate auth response ignored", "conn", connID)
		return
	case !protocol.VerifyAuth(g.expect, m.Hash):
		h.mu.Unlock()
		h.invalidate(connID, ErrAuthentication)
		return
	case !protocol.ValidPlayerName(m.Name):
		h.mu.Unlock()
		h.invalidate(connID, fmt.Errorf("%w: %q", protocol.ErrInvalidName, m.Name))
		return
	}
	slot, ok := h.allocate()
	if !ok {
		h.mu.Unlock()
		h.invalidate(connID, ErrTooManyPlayers)
		return
	}

	p := Player{ID: slot, Name: m.Name}
	accept := protocol.AcceptAuth{PlayerID: uint16(slot)}
	for _, existing := range sortedPlayers(h.players) {
		accept.Players = append(accept.Players, protocol.PlayerEntry{ID: uint16(existing.ID), Name: existing.Name})
	}
	others := h.authenticated(connID)
	g.player = p
	h.used |= slot
	h.players[slot] = p
	h.post(func(hd Handler) { hd.OnPlayerJoin(p) })
	h.mu.Unlock()

	h.log.Info("player joined", "conn", connID, "player", p)
	if err := h.hub.Accept(connID, slot); err != nil {
		h.log.Warn("accept failed", "conn", connID, "error", err)
	}
	h.sendDirect(accept, connID)
	h.sendDirect(protocol.PlayerJoin{PlayerID: uint16(slot), Name: p.Name}, others...)
	h.events.Flush()
}

func (h *Host) disconnected(connID int) {
	h.mu.Lock()
	g := h.guests[connID]
	delete(h.guests, connID)
	if g == nil || g.player.ID == 0 {
		h.mu.Unlock()
		return
	}
	p := g.player
	h.used &^= p.ID
	delete(h.players, p.ID)
	others := h.authenticated(connID)
	h.post(func(hd Handler) { hd.OnPlayerLeave(p) })
	h.mu.Unlock()

	h.log.Info("player left", "conn", connID, "player", p)
	h.sendDirect(protocol.PlayerLeave{PlayerID: uint16(p.ID)}, others...)
	h.events.Flush()
}

// hostSink adapts hub callbacks to the session
type hostSink struct{ h *Host }

func (s hostSink) OnBluetoothRequire() {
	s.h.mu.Lock()
	s.h.post(Handler.OnBluetoothRequire)
	s.h.unlock()
}

func (s hostSink) OnReady() {
	h := s.h
	h.mu.Lock()
	h.ready = true
	h.used = protocol.Host
	h.players[protocol.Host] = h.local
	h.post(Handler.OnReady)
	h.unlock()
}

func (s hostSink) OnFail() {
	h := s.h
	h.mu.Lock()
	h.post(Handler.OnFail)
	h.unlock()
}

func (s hostSink) OnConnect(connID int) {
	s.h.connected(connID)
}

func (s hostSink) OnDisconnect(connID int) {
	s.h.disconnected(connID)
}

func (s hostSink) OnReceive(message []byte, playerID int) {
	h := s.h
	h.mu.Lock()
	sender, ok := h.players[playerID]
	if !ok {
		sender = Player{ID: playerID}
	}
	h.post(func(hd Handler) { hd.OnReceive(message, sender) })
	h.unlock()
}

func (s hostSink) OnReceiveDirect(message []byte, connID int) {
	h := s.h
	msg, err := protocol.Unmarshal(message)
	if err != nil {
		h.invalidate(connID, err)
		return
	}
	m, ok := msg.(protocol.RespondAuth)
	if !ok {
		h.invalidate(connID, fmt.Errorf("unexpected %s from guest", msg.Type()))
		return
	}
	h.respondAuth(connID, m)
}
