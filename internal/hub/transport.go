package hub

import (
	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/link"
)

// WriteParams describes one incoming GATT write.
type WriteParams struct {
	Value          []byte
	Offset         int
	Prepared       bool
	ResponseNeeded bool
}

// Transport is a GATT server as seen from the hub.
//
// Commands return immediately. Results and remote requests arrive through
// the Events passed to Open, never from inside a command.
type Transport interface {
	Open(events Events) error
	Close()
	Enabled() bool

	// AddService registers the service with an upload (write) and a
	// download (read, indicate) characteristic carrying the CCCD
	AddService(id link.ServiceIdentity) error
	StartAdvertising(service uuid.UUID) error
	StopAdvertising() error

	// Name and SetName access the adapter's discoverable name
	Name() (string, error)
	SetName(name string) error

	Respond(device string, requestID int, status link.Status, value []byte) error
	Notify(device string, char uuid.UUID, value []byte) error
}

// Events is implemented by the hub and driven by the transport. Devices
// are identified by address, compared case-insensitively.
type Events interface {
	PowerChanged(enabled bool)
	ServiceAdded(err error)
	AdvertisingStarted(err error)
	ConnectionChanged(device string, connected bool)
	MTUChanged(device string, mtu int)
	ReadRequest(device string, requestID int, char uuid.UUID, offset int)
	WriteRequest(device string, requestID int, char uuid.UUID, p WriteParams)
	DescriptorWriteRequest(device string, requestID int, descriptor uuid.UUID, p WriteParams)
	NotificationSent(device string, err error)
}

// EventSink receives application callbacks. Callbacks never run
// concurrently and may call back into the hub.
type EventSink interface {
	OnBluetoothRequire()
	OnReady()
	OnFail()
	OnConnect(connID int)
	OnDisconnect(connID int)
	// OnReceive delivers a relayed message addressed to the hub's own slot
	OnReceive(message []byte, playerID int)
	// OnReceiveDirect delivers an unaddressed message from one connection
	OnReceiveDirect(message []byte, connID int)
}
