package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	goble "github.com/srg/trvd/internal/device/go-ble"
	"github.com/srg/trvd/internal/devicefactory"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/pkg/config"
)

// hardware is the BLE adapter as seen by the engine and the scanner.
type hardware struct {
	Radio   dispatch.Radio
	Scanner device.ScanningDevice
	Close   func()
}

// HardwareFactory opens the BLE adapter (can be overridden in tests)
//
//nolint:revive // HardwareFactory name is intentional for test mocking
var HardwareFactory = func(cfg *config.Config, logger *logrus.Logger) (*hardware, error) {
	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, goble.NormalizeError(err)
	}
	radio := goble.NewRadio(dev, cfg.BLE, logger)
	return &hardware{
		Radio:   radio,
		Scanner: devicefactory.NewScanningDevice(dev),
		Close: func() {
			radio.Stop()
			if err := dev.Stop(); err != nil {
				logger.WithError(err).Debug("Failed to stop BLE device")
			}
		},
	}, nil
}
