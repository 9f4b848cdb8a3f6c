//go:build darwin

package gatt

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory opens CoreBluetooth in the peripheral role (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice(darwin.OptPeripheralRole())
}
