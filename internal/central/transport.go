package central

import (
	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/link"
)

// Device is one advertising peripheral seen while scanning.
type Device struct {
	Address string
	Name    string
}

// Transport is the BLE stack as seen from the central role.
//
// Every command returns immediately; completions arrive later through the
// Events passed to Open. Implementations must never call Events from inside
// a command.
type Transport interface {
	// Open binds the event receiver. It fails with link.ErrUnavailable when
	// there is no usable adapter.
	Open(events Events) error
	Close()

	// Enabled reports whether the radio is powered
	Enabled() bool

	StartScan(service uuid.UUID) error
	StopScan() error

	// Connect starts a connection to a device previously reported by
	// DeviceDiscovered. The handle is valid until Release.
	Connect(address string) (link.Handle, error)
	RequestMTU(h link.Handle, mtu int) error
	DiscoverServices(h link.Handle) error

	// Characteristics lists the characteristics of a discovered service.
	// It is only valid after ServicesDiscovered reported success.
	Characteristics(h link.Handle, service uuid.UUID) ([]uuid.UUID, error)

	// EnableIndications subscribes to char and writes the CCCD
	EnableIndications(h link.Handle, char uuid.UUID) error
	Write(h link.Handle, char uuid.UUID, value []byte) error
	Read(h link.Handle, char uuid.UUID) error
	Disconnect(h link.Handle) error
	Release(h link.Handle)
}

// Events is implemented by the engine and driven by the transport.
type Events interface {
	PowerChanged(enabled bool)
	DeviceDiscovered(dev Device)
	ScanFailed(err error)

	// ConnectionChanged reports link up or down. A failed attempt on a
	// busy controller reports connected=false with an error wrapping
	// link.ErrBusy.
	ConnectionChanged(h link.Handle, connected bool, err error)
	MTUChanged(h link.Handle, mtu int, err error)
	ServicesDiscovered(h link.Handle, err error)
	DescriptorWritten(h link.Handle, char uuid.UUID, err error)
	CharacteristicWritten(h link.Handle, char uuid.UUID, err error)
	CharacteristicRead(h link.Handle, char uuid.UUID, value []byte, err error)
	CharacteristicChanged(h link.Handle, char uuid.UUID, value []byte)
}

// EventSink receives application-level callbacks. Callbacks never run
// concurrently and may call back into the Central.
type EventSink interface {
	OnBluetoothRequire()
	OnReady()
	OnFail()
	OnDiscover(name string, id int)
	OnConnect()
	OnDisconnect()
	OnReceive(message []byte, from int)
}
