package link

import (
	"fmt"

	"github.com/google/uuid"
)

// NotificationDescriptor is the Client Characteristic Configuration Descriptor.
var NotificationDescriptor = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")

// CCCD values as written by a client
var (
	EnableNotification  = []byte{0x01, 0x00}
	EnableIndication    = []byte{0x02, 0x00}
	DisableNotification = []byte{0x00, 0x00}
)

// ServiceIdentity names the message-channel service and its two characteristics.
// Upload is written by the central; Download is notified/read by the peripheral.
type ServiceIdentity struct {
	Service  uuid.UUID
	Upload   uuid.UUID
	Download uuid.UUID
}

// ParseIdentity parses the three identifiers of a service.
func ParseIdentity(service, upload, download string) (ServiceIdentity, error) {
	var id ServiceIdentity
	var err error
	if id.Service, err = uuid.Parse(service); err != nil {
		return ServiceIdentity{}, fmt.Errorf("%w: service %q: %v", ErrInvalidIdentity, service, err)
	}
	if id.Upload, err = uuid.Parse(upload); err != nil {
		return ServiceIdentity{}, fmt.Errorf("%w: upload %q: %v", ErrInvalidIdentity, upload, err)
	}
	if id.Download, err = uuid.Parse(download); err != nil {
		return ServiceIdentity{}, fmt.Errorf("%w: download %q: %v", ErrInvalidIdentity, download, err)
	}
	return id, nil
}

// Strings returns the identifiers in canonical lowercase form
func (id ServiceIdentity) Strings() (service, upload, download string) {
	return id.Service.String(), id.Upload.String(), id.Download.String()
}
