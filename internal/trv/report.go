package trv

import (
	"encoding/json"
	"fmt"

	"github.com/srg/trvd/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Report keys
const (
	KeyTRV    = "trv"
	KeyError  = "error"
	KeyAck    = "ack"
	KeyTemp   = "temp"
	KeyOffset = "offsetTemp"
	KeyValve  = "valve"
	KeyMode   = "mode"
	KeyBoost  = "boost"
	KeyWindow = "window"
	KeyState  = "state"
	KeyBatt   = "battery"
)

// Report is the JSON document published for a resolved command. Keys keep
// insertion order so consumers see "trv" first.
type Report struct {
	Target device.Address
	fields *orderedmap.OrderedMap[string, string]
}

// NewReport starts a report for target.
func NewReport(target device.Address) Report {
	r := Report{Target: target, fields: orderedmap.New[string, string]()}
	r.fields.Set(KeyTRV, target.String())
	return r
}

// Set adds or replaces a key.
func (r Report) Set(key, value string) Report {
	r.fields.Set(key, value)
	return r
}

// Get returns the value stored under key.
func (r Report) Get(key string) (string, bool) {
	if r.fields == nil {
		return "", false
	}
	return r.fields.Get(key)
}

// Keys returns the report keys in publication order.
func (r Report) Keys() []string {
	if r.fields == nil {
		return nil
	}
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// IsFailure reports whether the report carries an error.
func (r Report) IsFailure() bool {
	_, ok := r.Get(KeyError)
	return ok
}

// MarshalJSON renders the report with its keys in insertion order.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.fields)
}

func (r Report) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf(`{"trv":%q}`, r.Target.String())
	}
	return string(b)
}

// StatusReport renders a decoded status for target.
func StatusReport(target device.Address, s Status) Report {
	r := NewReport(target)
	if s.HasTemperature {
		r.Set(KeyTemp, fmt.Sprintf("%.1f", s.Temperature))
	}
	if s.HasOffset {
		r.Set(KeyOffset, fmt.Sprintf("%.1f", s.Offset))
	}
	if s.HasValve {
		r.Set(KeyValve, fmt.Sprintf("%d%% open", s.ValveOpen))
	}
	if s.HasFlags {
		r.Set(KeyMode, string(s.Mode()))
		r.Set(KeyBoost, choose(s.Boost(), "active", "inactive"))
		r.Set(KeyWindow, choose(s.Window(), "open", "closed"))
		r.Set(KeyState, choose(s.Locked(), "locked", "unlocked"))
		r.Set(KeyBatt, choose(s.LowBattery(), "LOW", "GOOD"))
	}
	return r
}

// FailureReport renders a terminal failure for target.
func FailureReport(target device.Address, reason string) Report {
	return NewReport(target).Set(KeyError, reason)
}

// AckReport acknowledges a notification that carries no status.
func AckReport(target device.Address, data []byte) Report {
	op := "none"
	if len(data) > 0 {
		op = fmt.Sprintf("0x%02x", data[0])
	}
	return NewReport(target).Set(KeyAck, op)
}

func choose(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
