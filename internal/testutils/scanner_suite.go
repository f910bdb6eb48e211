package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/devicefactory"
	"github.com/stretchr/testify/suite"
)

// ReplayScanningDevice is a device.ScanningDevice that hands out a fixed set
// of advertisements and then waits for the scan context to end, the way a
// real adapter keeps scanning until stopped.
type ReplayScanningDevice struct {
	mu    sync.Mutex
	ads   []device.Advertisement
	err   error
	scans int
}

func NewReplayScanningDevice(ads ...device.Advertisement) *ReplayScanningDevice {
	return &ReplayScanningDevice{ads: ads}
}

// FailWith makes the next scans fail immediately with err.
func (d *ReplayScanningDevice) FailWith(err error) *ReplayScanningDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	return d
}

// Scans returns how many scans were started.
func (d *ReplayScanningDevice) Scans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}

func (d *ReplayScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	d.mu.Lock()
	d.scans++
	ads, err := d.ads, d.err
	d.mu.Unlock()

	if err != nil {
		return err
	}
	for _, a := range ads {
		handler(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

// MockScannerSuite swaps devicefactory.DeviceFactory for a replaying device
// around every test.
//
//	type ScannerSuite struct {
//	    testutils.MockScannerSuite
//	}
//
//	func (s *ScannerSuite) SetupTest() {
//	    s.WithAdvertisements().
//	        WithNewAdvertisement().WithName("CC-RT-M-BLE").WithAddress("00:1A:22:03:AC:11").Add()
//	    s.MockScannerSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockScannerSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (device.ScanningDevice, error)
	TestTimeout           time.Duration

	AdvertisementsBuilder *AdvertisementListBuilder
	Device                *ReplayScanningDevice
}

// SetupSuite runs once before all tests in the suite.
func (s *MockScannerSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.OriginalDeviceFactory = devicefactory.DeviceFactory
	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			devicefactory.DeviceFactory = s.OriginalDeviceFactory
		}
	})
}

// SetupTest installs the replaying device factory.
func (s *MockScannerSuite) SetupTest() {
	var ads []device.Advertisement
	if s.AdvertisementsBuilder != nil {
		ads = s.AdvertisementsBuilder.Build()
	}
	s.Device = NewReplayScanningDevice(ads...)

	dev := s.Device
	devicefactory.DeviceFactory = func() (device.ScanningDevice, error) {
		return dev, nil
	}
}

// TearDownTest restores the factory and clears the configured advertisements.
func (s *MockScannerSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		devicefactory.DeviceFactory = s.OriginalDeviceFactory
	}
	s.AdvertisementsBuilder = nil
	s.Device = nil
}

// WithAdvertisements returns the builder for the advertisements the next scan replays.
func (s *MockScannerSuite) WithAdvertisements() *AdvertisementListBuilder {
	if s.AdvertisementsBuilder == nil {
		s.AdvertisementsBuilder = NewAdvertisementListBuilder()
	}
	return s.AdvertisementsBuilder
}
