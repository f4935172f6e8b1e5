//go:build !linux && !darwin && !windows

package ble

import "errors"

func (t *tinygoCharacteristic) write(p []byte) (int, error) {
	return 0, errors.ErrUnsupported
}
