// Package session runs authenticated multi-player sessions over the
// message channel. A Host wraps the hub, a Guest wraps the central; both
// share one protocol name from which the service identity and the
// authentication key are derived.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"unicode/utf8"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/link"
	"github.com/vitaminmoo/blesock/internal/protocol"
)

var (
	// ErrNotReady is returned when an operation needs a state the peer is not in
	ErrNotReady = errors.New("session not ready")

	// ErrNameTooLong is returned for a player or device name over its limit
	ErrNameTooLong = errors.New("name too long")

	// ErrAuthentication is logged when a guest answers a challenge wrongly
	ErrAuthentication = errors.New("authentication failed")

	// ErrTooManyPlayers is returned for a player limit above the slot count
	ErrTooManyPlayers = errors.New("too many players")
)

// Player is one member of a session. ID is the player's single address bit.
type Player struct {
	ID   int
	Name string
}

func (p Player) String() string {
	return fmt.Sprintf("%s(%#x)", p.Name, p.ID)
}

// Handler receives session callbacks. Callbacks never run concurrently and
// may call back into the Host or Guest.
type Handler interface {
	OnBluetoothRequire()
	OnReady()
	OnFail()
	OnPlayerJoin(p Player)
	OnPlayerLeave(p Player)
	OnReceive(message []byte, sender Player)
}

// GuestHandler adds the callbacks only a guest sees.
type GuestHandler interface {
	Handler
	OnDiscover(name string, id int)
	OnConnect()
	OnDisconnect()
}

type options struct {
	log        *slog.Logger
	clock      link.Clock
	central    *central.Config
	hub        *hub.Config
	maxPlayers int
}

// Option configures a Host or Guest.
type Option func(*options)

// WithLogger sets the logger of the session and its engine
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock sets the engine clock
func WithClock(clock link.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithCentralConfig overrides the guest engine tuning
func WithCentralConfig(cfg central.Config) Option {
	return func(o *options) { o.central = &cfg }
}

// WithHubConfig overrides the host engine tuning
func WithHubConfig(cfg hub.Config) Option {
	return func(o *options) { o.hub = &cfg }
}

// WithMaxPlayers limits how many players a host admits, itself included.
// Zero means no limit beyond the slot count.
func WithMaxPlayers(n int) Option {
	return func(o *options) { o.maxPlayers = n }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) centralOptions() []central.Option {
	out := []central.Option{central.WithLogger(o.log)}
	if o.clock != nil {
		out = append(out, central.WithClock(o.clock))
	}
	if o.central != nil {
		out = append(out, central.WithConfig(*o.central))
	}
	return out
}

func (o options) hubOptions() []hub.Option {
	out := []hub.Option{hub.WithLogger(o.log)}
	if o.clock != nil {
		out = append(out, hub.WithClock(o.clock))
	}
	if o.hub != nil {
		out = append(out, hub.WithConfig(*o.hub))
	}
	return out
}

func checkPlayerName(name string) error {
	if name == "" {
		return protocol.ErrInvalidName
	}
	if utf8.RuneCountInString(name) > protocol.MaxPlayerName {
		return fmt.Errorf("%w: player name %q", ErrNameTooLong, name)
	}
	return nil
}

func checkDeviceName(name string) error {
	if name == "" {
		return protocol.ErrInvalidName
	}
	if !protocol.ValidDeviceName(name) {
		return fmt.Errorf("%w: device name %q is %d bytes", ErrNameTooLong, name, len(name))
	}
	return nil
}

// singleSlot reports whether id is exactly one guest or host bit
func singleSlot(id int) bool {
	return id > 0 && id <= protocol.All && bits.OnesCount(uint(id)) == 1
}

func sortedPlayers(m map[int]Player) []Player {
	out := make([]Player, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func encode(m protocol.Message) []byte {
	data, err := protocol.Marshal(m)
	if err != nil {
		// names are validated before they reach a message
		panic(fmt.Sprintf("encode %s: %v", m.Type(), err))
	}
	return data
}
