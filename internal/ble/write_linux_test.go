//go:build linux

package ble

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gattChar(id string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		gattCharInterface: {"UUID": dbus.MakeVariant(id)},
	}
}

func TestFindCharacteristic(t *testing.T) {
	objects := bluezObjects{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02/service0010/char0011": gattChar(upload.String()),
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01/service0010/char0011": gattChar(download.String()),
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01/service0010/char0013": gattChar(upload.String()),
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01": {
			"org.bluez.Device1": {"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:01")},
		},
	}

	path, err := findCharacteristic(objects, "aa:bb:cc:dd:ee:01", upload)
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01/service0010/char0013"), path)

	_, err = findCharacteristic(objects, "AA:BB:CC:DD:EE:03", upload)
	assert.ErrorIs(t, err, ErrNoCharacteristic)
	_, err = findCharacteristic(objects, "AA:BB:CC:DD:EE:02", service)
	assert.ErrorIs(t, err, ErrNoCharacteristic)
}
