// Package sim is an in-memory BLE radio. One Radio carries a single
// peripheral and any number of centrals and implements both the hub and
// the central transports, delivering every event from one ordered loop.
package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/link"
)

// DefaultMTU is the largest ATT MTU the simulated controller agrees to
const DefaultMTU = 185

var (
	// ErrPoweredOff is returned for radio commands while power is off
	ErrPoweredOff = errors.New("radio powered off")

	// ErrNotConnected is returned for a handle or device without a link
	ErrNotConnected = errors.New("not connected")

	// ErrRequestFailed is reported when the peripheral answers a request with failure
	ErrRequestFailed = errors.New("gatt request failed")

	// ErrNoService is reported when the peripheral has not registered a service
	ErrNoService = errors.New("service not registered")
)

type requestKind int

const (
	reqWrite requestKind = iota
	reqRead
	reqDescriptor
)

func (k requestKind) String() string {
	switch k {
	case reqWrite:
		return "write"
	case reqRead:
		return "read"
	case reqDescriptor:
		return "descriptor"
	}
	return fmt.Sprintf("request(%d)", int(k))
}

type request struct {
	kind requestKind
	conn *conn
	char uuid.UUID
}

// conn is one central-to-peripheral link
type conn struct {
	handle  link.Handle
	central *Central
	mtu     int
	pending int
}

// Radio is the shared medium. Commands are synchronous; their results are
// queued and delivered in order by the radio's event loop.
type Radio struct {
	mu        sync.Mutex
	log       *slog.Logger
	mtu       int
	powered   bool
	available bool
	name      string

	peripheral   *Peripheral
	centrals     []*Central
	links        map[link.Handle]*conn
	nextHandle   link.Handle
	requests     map[int]*request
	nextRequest  int
	busyConnects int

	qmu     sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	closed  bool
}

// Option configures a Radio.
type Option func(*Radio)

// WithMTU sets the controller's maximum ATT MTU
func WithMTU(mtu int) Option {
	return func(r *Radio) { r.mtu = mtu }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(r *Radio) { r.log = log }
}

// WithName sets the peripheral adapter's initial name
func WithName(name string) Option {
	return func(r *Radio) { r.name = name }
}

// WithPowered sets the initial power state
func WithPowered(on bool) Option {
	return func(r *Radio) { r.powered = on }
}

// Unavailable makes every Open fail with link.ErrUnavailable
func Unavailable() Option {
	return func(r *Radio) { r.available = false }
}

// New creates a powered radio and starts its event loop.
func New(opts ...Option) *Radio {
	r := &Radio{
		log:        slog.Default(),
		mtu:        DefaultMTU,
		powered:    true,
		available:  true,
		name:       "sim-adapter",
		links:      make(map[link.Handle]*conn),
		requests:   make(map[int]*request),
		nextHandle: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("transport", "sim")
	r.cond = sync.NewCond(&r.qmu)
	go r.run()
	return r
}

// Close stops the event loop. Queued events are dropped.
func (r *Radio) Close() {
	r.qmu.Lock()
	r.closed = true
	r.queue = nil
	r.cond.Broadcast()
	r.qmu.Unlock()
}

func (r *Radio) run() {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	for {
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.cond.Broadcast()
			return
		}
		f := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.running = true
		r.qmu.Unlock()

		f()

		r.qmu.Lock()
		r.running = false
		r.cond.Broadcast()
	}
}

// post queues an event for the loop
func (r *Radio) post(f func()) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, f)
	r.cond.Broadcast()
}

// Settle blocks until every queued event, including those queued by the
// events themselves, has been delivered. It must not be called from an
// event handler.
func (r *Radio) Settle() {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	for (len(r.queue) > 0 || r.running) && !r.closed {
		r.cond.Wait()
	}
}

// Powered reports the power state
func (r *Radio) Powered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.powered
}

// SetPowered switches the radio. Turning it off drops every link and stops
// advertising and scanning.
func (r *Radio) SetPowered(on bool) {
	r.mu.Lock()
	if r.powered == on {
		r.mu.Unlock()
		return
	}
	r.powered = on
	r.log.Info("power", "on", on)
	if !on {
		for _, c := range r.links {
			r.dropLocked(c)
		}
		if p := r.peripheral; p != nil {
			p.advertising = false
		}
		for _, c := range r.centrals {
			c.scanning = false
		}
	}
	targets := r.endpoints()
	r.mu.Unlock()

	for _, e := range targets {
		e := e
		r.post(func() { e.powerChanged(on) })
	}
}

// FailConnects makes the next n connect attempts report a busy controller
func (r *Radio) FailConnects(n int) {
	r.mu.Lock()
	r.busyConnects = n
	r.mu.Unlock()
}

// AdapterName returns the peripheral adapter's current name
func (r *Radio) AdapterName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

type endpoint interface {
	powerChanged(on bool)
}

func (r *Radio) endpoints() []endpoint {
	var out []endpoint
	if r.peripheral != nil {
		out = append(out, r.peripheral)
	}
	for _, c := range r.centrals {
		out = append(out, c)
	}
	return out
}

// Peripheral returns the radio's peripheral endpoint
func (r *Radio) Peripheral() *Peripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peripheral == nil {
		r.peripheral = &Peripheral{r: r, address: "5A:1D:00:00:00:01"}
	}
	return r.peripheral
}

// NewCentral adds a central endpoint with its own address
func (r *Radio) NewCentral() *Central {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.centrals) + 1
	c := &Central{r: r, address: fmt.Sprintf("5A:1D:00:01:%02X:%02X", n>>8&0xff, n&0xff)}
	r.centrals = append(r.centrals, c)
	return c
}

func (r *Radio) request(kind requestKind, c *conn, char uuid.UUID) int {
	r.nextRequest++
	r.requests[r.nextRequest] = &request{kind: kind, conn: c, char: char}
	c.pending++
	if c.pending > c.central.maxPending {
		c.central.maxPending = c.pending
	}
	return r.nextRequest
}

// dropLocked tears a link down and tells both ends
func (r *Radio) dropLocked(c *conn) {
	if _, ok := r.links[c.handle]; !ok {
		return
	}
	delete(r.links, c.handle)
	for id, req := range r.requests {
		if req.conn == c {
			delete(r.requests, id)
		}
	}
	cen := c.central
	if cen.conn == c {
		cen.conn = nil
	}
	h := c.handle
	r.log.Debug("link down", "central", cen.address, "handle", h)
	r.post(func() {
		if ev := cen.handler(); ev != nil {
			ev.ConnectionChanged(h, false, nil)
		}
	})
	if p := r.peripheral; p != nil {
		addr := cen.address
		r.post(func() {
			if ev := p.handler(); ev != nil {
				ev.ConnectionChanged(addr, false)
			}
		})
	}
}
