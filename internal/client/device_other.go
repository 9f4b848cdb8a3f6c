//go:build !linux && !darwin

package client

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory has no BLE stack to open on this platform
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("BLE central is not supported on %s", runtime.GOOS)
}
