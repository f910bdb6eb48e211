package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/trvd/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"powered off", errors.New("Bluetooth is turned off"), device.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"disconnected", errors.New("peer disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"not initialized", errors.New("connection is not initialized"), device.ErrNotInitialized},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), device.ErrTimeout},
		{"hci timeout", errors.New("hci: command timed out"), device.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be kept")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("att: invalid handle")
	assert.Same(t, other, NormalizeError(other), "unknown errors MUST pass through untouched")
}
