// Package request parses the textual valve command grammar shared by every
// producer (console, MQTT, HTTP):
//
//	<AA:BB:CC:DD:EE:FF> <verb> [<value>]
package request

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
)

// Range accepted by the settemp verb. Lower settings go through "off".
const (
	MinSetTemperature = 5.0
	MaxSetTemperature = 30.0
)

var (
	// ErrInvalidRequest is matched by every ParseError.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrClockUnavailable is returned for settime without an argument when no synchronized clock exists.
	ErrClockUnavailable = errors.New("no synchronized clock")
)

// ParseError describes why a request line was rejected.
type ParseError struct {
	Input  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid request %q: %s", e.Input, e.Reason)
}

// Is matches ErrInvalidRequest
func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Verbs lists the accepted verbs in help order.
var Verbs = []string{"boost", "unboost", "auto", "manual", "lock", "unlock", "on", "off", "settemp", "offset", "settime"}

var simpleVerbs = map[string]trv.Kind{
	"boost":   trv.KindBoost,
	"unboost": trv.KindUnboost,
	"auto":    trv.KindAuto,
	"manual":  trv.KindManual,
	"lock":    trv.KindLock,
	"unlock":  trv.KindUnlock,
}

// Parse turns one request line into a command. Nothing is enqueued here; a
// rejected line leaves no trace beyond the returned error.
func Parse(line string, clock Clock) (trv.Command, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return trv.Command{}, &ParseError{Input: line, Reason: "expected <address> <verb> [<value>]"}
	}
	if len(fields) > 3 {
		return trv.Command{}, &ParseError{Input: line, Reason: "too many arguments"}
	}

	addr, err := device.ParseAddress(fields[0])
	if err != nil {
		return trv.Command{}, &ParseError{Input: line, Reason: "malformed address", Err: err}
	}

	verb := strings.ToLower(fields[1])
	var value string
	hasValue := len(fields) == 3
	if hasValue {
		value = fields[2]
	}

	if kind, ok := simpleVerbs[verb]; ok {
		if hasValue {
			return trv.Command{}, &ParseError{Input: line, Reason: fmt.Sprintf("%s takes no value", verb)}
		}
		return trv.NewCommand(addr, kind), nil
	}

	switch verb {
	case "on", "off":
		if hasValue {
			return trv.Command{}, &ParseError{Input: line, Reason: fmt.Sprintf("%s takes no value", verb)}
		}
		raw := trv.TemperatureOn
		if verb == "off" {
			raw = trv.TemperatureOff
		}
		return trv.NewCommand(addr, trv.KindSetTemperature, raw), nil

	case "settemp":
		celsius, err := parseNumber(line, verb, value, hasValue)
		if err != nil {
			return trv.Command{}, err
		}
		if celsius < MinSetTemperature || celsius > MaxSetTemperature {
			return trv.Command{}, &ParseError{Input: line, Reason: fmt.Sprintf("temperature must be between %.0f and %.0f", MinSetTemperature, MaxSetTemperature)}
		}
		b, err := trv.EncodeTemperature(celsius)
		if err != nil {
			return trv.Command{}, &ParseError{Input: line, Reason: "temperature out of range", Err: err}
		}
		return trv.NewCommand(addr, trv.KindSetTemperature, b), nil

	case "offset":
		offset, err := parseNumber(line, verb, value, hasValue)
		if err != nil {
			return trv.Command{}, err
		}
		b, err := trv.EncodeOffset(offset)
		if err != nil {
			return trv.Command{}, &ParseError{Input: line, Reason: "offset must be between -3.5 and 3.5", Err: err}
		}
		return trv.NewCommand(addr, trv.KindSetOffset, b), nil

	case "settime":
		params, err := parseTime(line, value, hasValue, clock)
		if err != nil {
			return trv.Command{}, err
		}
		return trv.NewCommand(addr, trv.KindSetTime, params[:]...), nil
	}

	return trv.Command{}, &ParseError{Input: line, Reason: fmt.Sprintf("unknown verb %q", verb)}
}

func parseNumber(line, verb, value string, hasValue bool) (float64, error) {
	if !hasValue {
		return 0, &ParseError{Input: line, Reason: fmt.Sprintf("%s requires a value", verb)}
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &ParseError{Input: line, Reason: fmt.Sprintf("%s value %q is not a number", verb, value), Err: err}
	}
	return v, nil
}

// parseTime accepts exactly 12 hex digits (yymmddhhmmss, one byte per field)
// or, with no argument, the clock's current time.
func parseTime(line, value string, hasValue bool, clock Clock) ([6]byte, error) {
	var params [6]byte
	if !hasValue {
		if clock == nil || !clock.Synchronized() {
			return params, &ParseError{Input: line, Reason: "settime needs an explicit time without a synchronized clock", Err: ErrClockUnavailable}
		}
		return trv.EncodeTime(clock.Now()), nil
	}

	if len(value) != 12 {
		return params, &ParseError{Input: line, Reason: "settime value must be exactly 12 hex digits"}
	}
	for i := range params {
		b, err := strconv.ParseUint(value[i*2:i*2+2], 16, 8)
		if err != nil {
			return params, &ParseError{Input: line, Reason: "settime value must be exactly 12 hex digits", Err: err}
		}
		params[i] = byte(b)
	}
	return params, nil
}
