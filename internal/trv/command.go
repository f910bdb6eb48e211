package trv

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/srg/trvd/internal/device"
)

// Kind identifies a valve command.
type Kind int

const (
	KindBoost Kind = iota
	KindUnboost
	KindAuto
	KindManual
	KindLock
	KindUnlock
	KindSetTemperature
	KindSetOffset
	KindSetTime
)

var kindNames = map[Kind]string{
	KindBoost:          "boost",
	KindUnboost:        "unboost",
	KindAuto:           "auto",
	KindManual:         "manual",
	KindLock:           "lock",
	KindUnlock:         "unlock",
	KindSetTemperature: "settemp",
	KindSetOffset:      "offset",
	KindSetTime:        "settime",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the known command kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Encoding errors
var (
	ErrTemperatureRange = errors.New("temperature out of range")
	ErrOffsetRange      = errors.New("offset out of range")
	ErrUnknownKind      = errors.New("unknown command kind")
)

// Temperature and offset limits accepted by the valve.
const (
	MinTemperature = 4.5
	MaxTemperature = 30.0
	MinOffset      = -3.5
	MaxOffset      = 3.5
)

// Command is one request to deliver to one valve.
type Command struct {
	ID      ulid.ULID
	Target  device.Address
	Kind    Kind
	Params  [6]byte
	Retries int
}

// NewCommand builds a command with a fresh correlation id and the default retry budget.
func NewCommand(target device.Address, kind Kind, params ...byte) Command {
	c := Command{
		ID:      ulid.Make(),
		Target:  target,
		Kind:    kind,
		Retries: DefaultMaxRetries,
	}
	copy(c.Params[:], params)
	return c
}

// SameRequest reports whether two commands would have the same effect on the same valve.
func (c Command) SameRequest(other Command) bool {
	return c.Target == other.Target && c.Kind == other.Kind && c.Params == other.Params
}

func (c Command) String() string {
	switch c.Kind {
	case KindSetTemperature:
		return fmt.Sprintf("%s %s %.1f", c.Target, c.Kind, DecodeTemperature(c.Params[0]))
	case KindSetOffset:
		return fmt.Sprintf("%s %s %.1f", c.Target, c.Kind, DecodeOffset(c.Params[0]))
	case KindSetTime:
		return fmt.Sprintf("%s %s %02x%02x%02x%02x%02x%02x", c.Target, c.Kind,
			c.Params[0], c.Params[1], c.Params[2], c.Params[3], c.Params[4], c.Params[5])
	default:
		return fmt.Sprintf("%s %s", c.Target, c.Kind)
	}
}

// Encode produces the bytes written to the command characteristic.
func Encode(c Command) ([]byte, error) {
	switch c.Kind {
	case KindSetTime:
		out := make([]byte, 0, 7)
		out = append(out, OpInfoQuery)
		return append(out, c.Params[:]...), nil
	case KindBoost:
		return []byte{OpBoost, 0x01}, nil
	case KindUnboost:
		return []byte{OpBoost, 0x00}, nil
	case KindAuto:
		return []byte{OpMode, modeAuto}, nil
	case KindManual:
		return []byte{OpMode, modeManual}, nil
	case KindSetTemperature:
		return []byte{OpTemperature, c.Params[0]}, nil
	case KindSetOffset:
		return []byte{OpOffset, c.Params[0]}, nil
	case KindLock:
		return []byte{OpLock, 0x01}, nil
	case KindUnlock:
		return []byte{OpLock, 0x00}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(c.Kind))
	}
}

// EncodeTemperature converts degrees Celsius to the valve's half-degree byte,
// rounding down to the nearest half degree.
func EncodeTemperature(celsius float64) (byte, error) {
	if math.IsNaN(celsius) || celsius < MinTemperature || celsius > MaxTemperature {
		return 0, fmt.Errorf("%w: %.1f", ErrTemperatureRange, celsius)
	}
	whole := math.Floor(celsius)
	b := byte(whole) << 1
	if celsius-whole >= 0.5 {
		b |= 0x01
	}
	return b, nil
}

// DecodeTemperature converts the valve's half-degree byte to degrees Celsius.
func DecodeTemperature(b byte) float64 {
	return float64(b) / 2
}

// EncodeOffset converts a calibration offset in degrees to the valve's byte,
// rounding down to the nearest half degree.
func EncodeOffset(offset float64) (byte, error) {
	if math.IsNaN(offset) || offset < MinOffset || offset > MaxOffset {
		return 0, fmt.Errorf("%w: %.1f", ErrOffsetRange, offset)
	}
	return byte(math.Floor((offset - MinOffset) * 2)), nil
}

// DecodeOffset converts the valve's offset byte to degrees.
func DecodeOffset(b byte) float64 {
	return (float64(b) - 7) / 2
}

// EncodeTime produces the six SetTime parameters (year since 2000, month, day,
// hour, minute, second) for t in its own location.
func EncodeTime(t time.Time) [6]byte {
	return [6]byte{
		byte(t.Year() - 2000),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
}
