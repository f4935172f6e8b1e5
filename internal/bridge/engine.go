package bridge

import (
	"fmt"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/hub"
)

// NewCentral bridges a central engine running on t
func NewCentral(t central.Transport, copts []central.Option, opts ...Option) *Server {
	s := newServer(opts...)
	e := &centralEngine{}
	copts = append([]central.Option{central.WithLogger(s.log)}, copts...)
	e.c = central.New(t, centralSink{s}, copts...)
	s.engine = e
	return s
}

// NewHub bridges a hub engine running on t
func NewHub(t hub.Transport, hopts []hub.Option, opts ...Option) *Server {
	s := newServer(opts...)
	e := &hubEngine{}
	hopts = append([]hub.Option{hub.WithLogger(s.log)}, hopts...)
	e.h = hub.New(t, hubSink{s}, hopts...)
	s.engine = e
	return s
}

type centralEngine struct {
	c *central.Central
}

func (e *centralEngine) role() string { return "central" }
func (e *centralEngine) cleanup()     { e.c.Cleanup() }

func (e *centralEngine) exec(cmd Command) (string, error) {
	var err error
	switch cmd.Op {
	case "initialize":
		err = e.c.Initialize(cmd.Service, cmd.Upload, cmd.Download)
	case "startScan":
		err = e.c.StartScan()
	case "stopScan":
		err = e.c.StopScan()
	case "connect":
		err = e.c.Connect(cmd.Device)
	case "accept":
		err = e.c.Accept()
	case "disconnect":
		err = e.c.Disconnect()
	case "send":
		err = e.c.Send(cmd.Data, cmd.To)
	case "cleanup":
		e.c.Cleanup()
	case "state":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	return e.c.State().String(), err
}

type hubEngine struct {
	h *hub.Hub
}

func (e *hubEngine) role() string { return "hub" }
func (e *hubEngine) cleanup()     { e.h.Cleanup() }

func (e *hubEngine) exec(cmd Command) (string, error) {
	var err error
	switch cmd.Op {
	case "initialize":
		err = e.h.Initialize(cmd.Service, cmd.Upload, cmd.Download)
	case "startAdvertising":
		err = e.h.StartAdvertising(cmd.Name)
	case "stopAdvertising":
		err = e.h.StopAdvertising()
	case "accept":
		err = e.h.Accept(cmd.Conn, cmd.Player)
	case "invalidate":
		err = e.h.Invalidate(cmd.Conn)
	case "sendDirect":
		err = e.h.SendDirect(cmd.Data, cmd.Conn)
	case "send":
		err = e.h.Send(cmd.Data, cmd.To)
	case "cleanup":
		e.h.Cleanup()
	case "state":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	return e.h.State().String(), err
}

// centralSink forwards central events to the clients
type centralSink struct{ s *Server }

func (k centralSink) OnBluetoothRequire() { k.s.broadcast(Event{Type: EventBluetoothRequire}) }
func (k centralSink) OnReady()            { k.s.broadcast(Event{Type: EventReady}) }
func (k centralSink) OnFail()             { k.s.broadcast(Event{Type: EventFail}) }
func (k centralSink) OnConnect()          { k.s.broadcast(Event{Type: EventConnect}) }
func (k centralSink) OnDisconnect()       { k.s.broadcast(Event{Type: EventDisconnect}) }

func (k centralSink) OnDiscover(name string, id int) {
	k.s.broadcast(Event{Type: EventDiscover, Name: name, Device: id})
}

func (k centralSink) OnReceive(message []byte, from int) {
	k.s.broadcast(Event{Type: EventReceive, Data: message, From: from})
}

// hubSink forwards hub events to the clients
type hubSink struct{ s *Server }

func (k hubSink) OnBluetoothRequire()     { k.s.broadcast(Event{Type: EventBluetoothRequire}) }
func (k hubSink) OnReady()                { k.s.broadcast(Event{Type: EventReady}) }
func (k hubSink) OnFail()                 { k.s.broadcast(Event{Type: EventFail}) }
func (k hubSink) OnConnect(connID int)    { k.s.broadcast(Event{Type: EventConnect, Conn: connID}) }
func (k hubSink) OnDisconnect(connID int) { k.s.broadcast(Event{Type: EventDisconnect, Conn: connID}) }

func (k hubSink) OnReceive(message []byte, playerID int) {
	k.s.broadcast(Event{Type: EventReceive, Data: message, From: playerID})
}

func (k hubSink) OnReceiveDirect(message []byte, connID int) {
	k.s.broadcast(Event{Type: EventReceiveDirect, Data: message, Conn: connID})
}
