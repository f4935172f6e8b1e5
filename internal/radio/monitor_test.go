package radio

import (
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestAdapterPath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), AdapterPath("hci1"))
}

func TestPoweredFromSignal(t *testing.T) {
	path := AdapterPath("hci0")
	changed := func(props map[string]dbus.Variant) *dbus.Signal {
		return &dbus.Signal{
			Path: path,
			Name: propsChanged,
			Body: []any{adapterInterface, props, []string{}},
		}
	}

	tests := []struct {
		name    string
		sig     *dbus.Signal
		powered bool
		ok      bool
	}{
		{"on", changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}), true, true},
		{"off", changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant(false), "Discovering": dbus.MakeVariant(false)}), false, true},
		{"other property", changed(map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}), false, false},
		{"wrong type", changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant("yes")}), false, false},
		{"nil", nil, false, false},
		{"other path", &dbus.Signal{Path: AdapterPath("hci1"), Name: propsChanged,
			Body: []any{adapterInterface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}}}, false, false},
		{"other interface", &dbus.Signal{Path: path, Name: propsChanged,
			Body: []any{"org.bluez.Device1", map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}}}, false, false},
		{"other member", &dbus.Signal{Path: path, Name: "org.bluez.Adapter1.Foo", Body: []any{}}, false, false},
		{"short body", &dbus.Signal{Path: path, Name: propsChanged, Body: []any{adapterInterface}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			powered, ok := poweredFromSignal(tt.sig, path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.powered, powered)
		})
	}
}

func TestUpdateNotifiesOnChangeOnly(t *testing.T) {
	m := &Monitor{
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs: make(map[int]func(bool)),
	}
	var got []bool
	cancel := m.Subscribe(func(on bool) { got = append(got, on) })

	m.update(false)
	m.update(true)
	m.update(true)
	m.update(false)
	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Powered())

	cancel()
	m.update(true)
	assert.Equal(t, []bool{true, false}, got)
	assert.True(t, m.Powered())
}
