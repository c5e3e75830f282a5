//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeCharacteristic issues a write request and waits for the
// peripheral's acknowledgement.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
