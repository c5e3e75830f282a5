//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeCharacteristic writes data through the platform's only write call.
// On Linux BlueZ's WriteValue picks a write request for characteristics
// that support one and returns once the peripheral has answered.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
