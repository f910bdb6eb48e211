package main

import (
	"errors"
	"strings"

	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/internal/mqtt"
	"github.com/srg/trvd/internal/request"
)

// Command-level errors
var (
	// ErrDeliveryFailed means at least one command sent by 'trvd send' ended
	// with a failure report.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNoRequests means 'trvd send' got nothing to send.
	ErrNoRequests = errors.New("no requests given")
	// ErrScanNotStarted means the scanner could not open the BLE adapter.
	ErrScanNotStarted = errors.New("scan not started")
)

// FormatUserError turns an error into the line printed before exiting.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	var hint string
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		hint = "Bluetooth is off or no adapter is available; turn it on and retry"
	case errors.Is(err, ErrScanNotStarted):
		hint = "the BLE adapter could not be opened; run with --log-level debug for details"
	case errors.Is(err, device.ErrUnsupported):
		hint = "Bluetooth is not supported on this platform"
	case errors.Is(err, device.ErrTimeout):
		hint = "the operation timed out; make sure the valve is in range"
	case errors.Is(err, request.ErrClockUnavailable):
		hint = "settime needs an explicit YYMMDDhhmmss value when the clock is not synchronized"
	case errors.Is(err, request.ErrInvalidRequest):
		hint = "expected '<address> <verb> [value]' with verbs: " + strings.Join(request.Verbs, ", ")
	case errors.Is(err, mqtt.ErrNotConfigured):
		hint = "set mqtt.broker and mqtt.id in the config file"
	case errors.Is(err, dispatch.ErrEngineStopped):
		hint = "the dispatch engine stopped before the request was handled"
	}
	if hint == "" {
		return err.Error()
	}
	return err.Error() + " (" + hint + ")"
}
