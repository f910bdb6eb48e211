// Package devicefactory opens the platform BLE device for scanning.
package devicefactory

import (
	"context"

	ble "github.com/go-ble/ble"
	"github.com/srg/trvd/internal/device"
	goble "github.com/srg/trvd/internal/device/go-ble"
)

// bleScanningDevice wraps ble.Device to implement a device.ScanningDevice interface
type bleScanningDevice struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (s *bleScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(goble.NewBLEAdvertisement(adv))
	}
	return goble.NormalizeError(s.dev.Scan(ctx, allowDup, bleHandler))
}

// NewScanningDevice adapts an already opened ble.Device, so the scanner can
// share the adapter the radio dials through.
func NewScanningDevice(dev ble.Device) device.ScanningDevice {
	return &bleScanningDevice{dev: dev}
}

// DeviceFactory creates a device.ScanningDevice instances for BLE scanning operations.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func() (device.ScanningDevice, error) {
	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, err
	}
	return NewScanningDevice(dev), nil
}
