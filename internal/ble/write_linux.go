//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezBusName       = "org.bluez"
	gattCharInterface  = "org.bluez.GattCharacteristic1"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// bluezObjects is the reply of ObjectManager.GetManagedObjects
type bluezObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// write sends p as a write request. tinygo only issues write commands on
// linux, so the call goes to BlueZ directly.
func (t *tinygoCharacteristic) write(p []byte) (int, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return 0, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if t.path == "" {
		var objects bluezObjects
		root := bus.Object(bluezBusName, "/")
		if err := root.Call(objectManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
			return 0, fmt.Errorf("failed to list bluez objects: %w", err)
		}
		path, err := findCharacteristic(objects, t.address, t.id)
		if err != nil {
			return 0, err
		}
		t.path = string(path)
	}
	options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	obj := bus.Object(bluezBusName, dbus.ObjectPath(t.path))
	if err := obj.Call(gattCharInterface+".WriteValue", 0, p, options).Err; err != nil {
		return 0, err
	}
	return len(p), nil
}

// findCharacteristic returns the object path of characteristic id on the
// device with the given address
func findCharacteristic(objects bluezObjects, address string, id uuid.UUID) (dbus.ObjectPath, error) {
	dev := "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_") + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharInterface]
		if !ok || !strings.Contains(string(path), dev) {
			continue
		}
		if s, ok := props["UUID"].Value().(string); ok && strings.EqualFold(s, id.String()) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrNoCharacteristic, id, address)
}
