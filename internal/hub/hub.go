// Package hub implements the peripheral side of the message channel. It
// serves any number of centrals, arbitrates the single notify slot between
// them and relays addressed messages from one central to the others.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/link"
)

var (
	// ErrUnknownConnection is returned for a connection id with no handshake-complete context
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrInvalidName is returned by StartAdvertising for an empty name
	ErrInvalidName = errors.New("invalid device name")

	// ErrInvalidPlayer is returned by Accept for a player mask outside 16 bits or zero
	ErrInvalidPlayer = errors.New("invalid player id")
)

// State is the lifecycle state of a Hub.
type State int

const (
	StateInvalid State = iota
	StateInitialize
	StateReady
	StateAdvertise
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateInitialize:
		return "initialize"
	case StateReady:
		return "ready"
	case StateAdvertise:
		return "advertise"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the timing and sizing knobs of a Hub.
type Config struct {
	UpdateInterval    time.Duration
	AcceptanceTimeout time.Duration
	BufferSize        int
}

// DefaultConfig returns the standard tuning
func DefaultConfig() Config {
	return Config{
		UpdateInterval:    time.Second,
		AcceptanceTimeout: 19 * time.Second,
		BufferSize:        frame.BufferSize,
	}
}

// Option configures a Hub.
type Option func(*Hub)

// WithConfig overrides the default tuning
func WithConfig(cfg Config) Option {
	return func(h *Hub) { h.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithClock sets the clock used for ticks and timeouts
func WithClock(clock link.Clock) Option {
	return func(h *Hub) { h.clock = clock }
}

// Connection describes one handshake-complete central.
type Connection struct {
	ID       int
	PlayerID int
	Device   string
}

// Hub is the peripheral state machine.
type Hub struct {
	mu        sync.Mutex
	transport Transport
	sink      EventSink
	events    link.Dispatcher
	clock     link.Clock
	log       *slog.Logger
	cfg       Config

	state      State
	id         link.ServiceIdentity
	initTicker link.Timer
	adding     bool

	// advertising
	name            string
	originalName    string
	renamed         bool
	advertising     bool
	advertiseTicker link.Timer

	contexts   []*centralContext
	nextConnID int
	notify     arbiter
}

// New creates a Hub in the Invalid state.
func New(t Transport, sink EventSink, opts ...Option) *Hub {
	h := &Hub{
		transport:  t,
		sink:       sink,
		clock:      link.RealClock(),
		log:        slog.Default(),
		cfg:        DefaultConfig(),
		nextConnID: 1,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("role", "hub")
	return h
}

func (h *Hub) unlock() {
	h.mu.Unlock()
	h.events.Flush()
}

func (h *Hub) post(f func(EventSink)) {
	sink := h.sink
	if sink == nil {
		return
	}
	h.events.Post(func() { f(sink) })
}

// State returns the current lifecycle state
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// BluetoothEnabled reports whether the radio is powered
func (h *Hub) BluetoothEnabled() bool {
	return h.transport.Enabled()
}

// Initialize parses the identity, opens the transport and registers the
// service as soon as the radio is on. OnReady follows once the server
// confirms the service.
func (h *Hub) Initialize(service, upload, download string) error {
	h.mu.Lock()
	defer h.unlock()

	if h.state != StateInvalid {
		return fmt.Errorf("initialize: %w: %s", link.ErrInvalidState, h.state)
	}
	id, err := link.ParseIdentity(service, upload, download)
	if err != nil {
		return err
	}
	if err := h.transport.Open(handler{h}); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	h.id = id
	h.state = StateInitialize
	if h.transport.Enabled() {
		h.initTick()
		return nil
	}

	h.log.Info("bluetooth required")
	h.initTicker = link.Repeat(h.clock, h.cfg.UpdateInterval, func() {
		h.mu.Lock()
		defer h.unlock()
		h.initTick()
	})
	h.post(EventSink.OnBluetoothRequire)
	return nil
}

// initTick registers the service once the radio is on
func (h *Hub) initTick() {
	if h.state != StateInitialize || h.adding || !h.transport.Enabled() {
		return
	}
	if h.initTicker != nil {
		h.initTicker.Stop()
		h.initTicker = nil
	}
	h.log.Debug("addService", "service", h.id.Service)
	if err := h.transport.AddService(h.id); err != nil {
		h.failInit(err)
		return
	}
	h.adding = true
}

// failInit rolls a failed registration back to Invalid so Initialize can
// be called again
func (h *Hub) failInit(err error) {
	h.log.Error("failed to add service", "error", err)
	h.state = StateInvalid
	h.adding = false
	if h.initTicker != nil {
		h.initTicker.Stop()
		h.initTicker = nil
	}
	h.transport.Close()
	h.post(EventSink.OnFail)
}

func (h *Hub) serviceAdded(err error) {
	if h.state != StateInitialize {
		h.log.Warn("service added in unexpected state", "state", h.state)
		return
	}
	if err != nil {
		h.failInit(err)
		return
	}
	h.adding = false
	h.state = StateReady
	h.log.Info("ready", "service", h.id.Service)
	h.post(EventSink.OnReady)
}

// Connections returns the handshake-complete centrals in connect order
func (h *Hub) Connections() []Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Connection
	for _, ctx := range h.contexts {
		if ctx.connID != 0 {
			out = append(out, Connection{ID: ctx.connID, PlayerID: ctx.playerID, Device: ctx.device})
		}
	}
	return out
}

// Cleanup stops everything and returns to Invalid. Connection ids keep
// counting up across re-initialization. No callbacks are delivered
// afterwards.
func (h *Hub) Cleanup() {
	h.mu.Lock()
	defer h.unlock()

	if h.state == StateAdvertise {
		h.stopAdvertisingLocked()
	}
	wasOpen := h.state != StateInvalid
	h.state = StateInvalid
	h.adding = false
	if h.initTicker != nil {
		h.initTicker.Stop()
		h.initTicker = nil
	}
	for _, ctx := range h.contexts {
		ctx.stopAcceptTimer()
	}
	h.contexts = nil
	h.notify.reset()
	if wasOpen {
		h.transport.Close()
	}
	h.events.Discard()
}
