// Package bridge exposes a central or hub engine to other processes as a
// JSON protocol over WebSocket.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// ErrUnknownOp is replied for an op the role does not support
var ErrUnknownOp = errors.New("unknown op")

// engine runs commands against one role
type engine interface {
	role() string
	exec(cmd Command) (state string, err error)
	cleanup()
}

// Server is an http.Handler that upgrades to WebSocket. Every client gets
// every engine event and may issue commands.
type Server struct {
	log          *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	engine       engine

	mu      sync.Mutex
	clients map[string]*client
	entropy io.Reader
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn

	wmu     sync.Mutex
	timeout time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithWriteTimeout bounds every write to a client
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

func newServer(opts ...Option) *Server {
	now := time.Now()
	s := &Server{
		log:          slog.Default(),
		writeTimeout: 5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "bridge")
	return s
}

// Clients returns the ids of the connected clients
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every client and cleans up the engine
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	s.engine.cleanup()
}

func (s *Server) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{id: s.newID(), conn: conn, timeout: s.writeTimeout}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()
	log := s.log.With("client", c.id)
	log.Info("client connected", "remote", r.RemoteAddr)

	defer s.remove(c)

	if err := c.send(Event{Type: EventHello, Client: c.id, Role: s.engine.role()}); err != nil {
		return
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read failed", "error", err)
			}
			return
		}
		log.Debug("command", "id", cmd.ID, "op", cmd.Op)
		state, err := s.engine.exec(cmd)
		reply := Reply{ID: cmd.ID, OK: err == nil, State: state}
		if err != nil {
			reply.Error = err.Error()
		}
		if err := c.send(reply); err != nil {
			log.Warn("reply failed", "error", err)
			return
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
		s.log.Info("client disconnected", "client", c.id)
	}
}

// broadcast sends ev to every client and drops the ones that fail
func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(ev); err != nil {
			s.log.Warn("dropping client", "client", c.id, "error", err)
			s.remove(c)
		}
	}
}

func (c *client) send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
