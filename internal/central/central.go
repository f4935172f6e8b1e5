// Package central implements the initiating side of the message channel:
// scan, connect, discover, subscribe and exchange framed messages with one
// peripheral at a time.
package central

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
	// ErrUnknownDevice is returned by Connect for an id not seen in the current scan
	ErrUnknownDevice = errors.New("unknown device id")

	// ErrNotFound is reported when the service or a characteristic is missing
	ErrNotFound = errors.New("not found")
)

// State is the lifecycle state of a Central.
type State int

const (
	StateInvalid State = iota
	StateReady
	StateScan
	StateConnect
	StateDiscover
	StateOnline
	StateDisconnect
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateReady:
		return "ready"
	case StateScan:
		return "scan"
	case StateConnect:
		return "connect"
	case StateDiscover:
		return "discover"
	case StateOnline:
		return "online"
	case StateDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the timing and sizing knobs of a Central.
type Config struct {
	UpdateInterval    time.Duration
	AcceptanceTimeout time.Duration
	RequestMTU        int
	BufferSize        int
}

// DefaultConfig returns the standard tuning
func DefaultConfig() Config {
	return Config{
		UpdateInterval:    time.Second,
		AcceptanceTimeout: 20 * time.Second,
		RequestMTU:        512,
		BufferSize:        frame.BufferSize,
	}
}

// Option configures a Central.
type Option func(*Central)

// WithConfig overrides the default tuning
func WithConfig(cfg Config) Option {
	return func(c *Central) { c.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(c *Central) { c.log = log }
}

// WithClock sets the clock used for ticks and timeouts
func WithClock(clock link.Clock) Option {
	return func(c *Central) { c.clock = clock }
}

type operation int

const (
	opRead operation = iota
	opWrite
)

type discovered struct {
	id     int
	device Device
}

// Central is the connection state machine of the initiating role.
// All state lives behind one mutex; sink callbacks are delivered after it
// is released.
type Central struct {
	mu        sync.Mutex
	transport Transport
	sink      EventSink
	events    link.Dispatcher
	clock     link.Clock
	log       *slog.Logger
	cfg       Config

	state State
	id    link.ServiceIdentity

	// scanning
	scanTicker link.Timer
	scanning   bool
	devices    []discovered
	nextID     int

	// connection
	handle        link.Handle
	address       string
	retried       bool
	closing       bool
	acceptTimer   link.Timer
	acceptSeq     int
	discoverTimer link.Timer
	discoverSeq   int
	discoverCount int
	maxChunk      int

	// transfer
	tx   *frame.TxQueue
	rx   *frame.Reassembler
	busy bool
	ops  []operation
}

// New creates a Central in the Invalid state.
func New(t Transport, sink EventSink, opts ...Option) *Central {
	c := &Central{
		transport: t,
		sink:      sink,
		clock:     link.RealClock(),
		log:       slog.Default(),
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("role", "central")
	c.tx = frame.NewTxQueue(c.cfg.BufferSize)
	// the single peer is trusted, so declared sizes are not bounded here
	c.rx = frame.NewReassembler(c.cfg.BufferSize, 0)
	c.maxChunk = frame.DefaultChunkSize
	return c
}

// unlock releases the engine lock and delivers queued callbacks
func (c *Central) unlock() {
	c.mu.Unlock()
	c.events.Flush()
}

func (c *Central) post(f func(EventSink)) {
	sink := c.sink
	if sink == nil {
		return
	}
	c.events.Post(func() { f(sink) })
}

// State returns the current lifecycle state
func (c *Central) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BluetoothEnabled reports whether the radio is powered
func (c *Central) BluetoothEnabled() bool {
	return c.transport.Enabled()
}

// Initialize parses the service identity and opens the transport.
// On success the Central is Ready and OnReady is delivered.
func (c *Central) Initialize(service, upload, download string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateInvalid {
		return fmt.Errorf("initialize: %w: %s", link.ErrInvalidState, c.state)
	}
	id, err := link.ParseIdentity(service, upload, download)
	if err != nil {
		return err
	}
	if err := c.transport.Open(handler{c}); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	c.id = id
	c.state = StateReady
	c.log.Info("ready", "service", id.Service)
	c.post(EventSink.OnReady)
	return nil
}

// Cleanup tears everything down and returns to Invalid. No callbacks are
// delivered afterwards.
func (c *Central) Cleanup() {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateScan {
		c.stopScanLocked()
	}
	wasOpen := c.state != StateInvalid
	c.state = StateInvalid
	c.cleanupConnection()
	c.devices = nil
	if wasOpen {
		c.transport.Close()
	}
	c.events.Discard()
}
