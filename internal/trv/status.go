package trv

import (
	"errors"
	"fmt"
)

// ErrNotStatus is returned by DecodeStatus for notifications that are not info returns.
var ErrNotStatus = errors.New("notification is not a status report")

// Mode is the valve's operating mode.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeManual  Mode = "manual"
	ModeHoliday Mode = "holiday"
)

// Status is a decoded info return notification. Fields are only meaningful
// when the matching Has flag is set; short notifications carry fewer fields.
type Status struct {
	Flags          byte
	HasFlags       bool
	ValveOpen      int
	HasValve       bool
	Temperature    float64
	HasTemperature bool
	Offset         float64
	HasOffset      bool
}

// IsStatusNotification reports whether data is an info return (0x02 0x01 ...).
func IsStatusNotification(data []byte) bool {
	return len(data) >= 2 && data[0] == OpInfoReturn && data[1] == 0x01
}

// DecodeStatus decodes an info return notification.
func DecodeStatus(data []byte) (Status, error) {
	var s Status
	if !IsStatusNotification(data) {
		return s, fmt.Errorf("%w: % x", ErrNotStatus, data)
	}
	if len(data) > 2 {
		s.Flags = data[2]
		s.HasFlags = true
	}
	if len(data) > 3 {
		s.ValveOpen = int(data[3])
		s.HasValve = true
	}
	if len(data) > 5 {
		s.Temperature = DecodeTemperature(data[5])
		s.HasTemperature = true
	}
	if len(data) > 14 {
		s.Offset = DecodeOffset(data[14])
		s.HasOffset = true
	}
	return s, nil
}

// Mode derives the operating mode from the flag byte. Manual wins over holiday.
func (s Status) Mode() Mode {
	switch {
	case s.Flags&FlagManual != 0:
		return ModeManual
	case s.Flags&FlagAway != 0:
		return ModeHoliday
	default:
		return ModeAuto
	}
}

func (s Status) Boost() bool      { return s.Flags&FlagBoost != 0 }
func (s Status) Window() bool     { return s.Flags&FlagWindow != 0 }
func (s Status) Locked() bool     { return s.Flags&FlagLocked != 0 }
func (s Status) LowBattery() bool { return s.Flags&FlagLowBattery != 0 }
func (s Status) DST() bool        { return s.Flags&FlagDST != 0 }
