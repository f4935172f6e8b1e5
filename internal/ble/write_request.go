//go:build darwin || windows

package ble

func (t *tinygoCharacteristic) write(p []byte) (int, error) {
	return t.c.Write(p)
}
