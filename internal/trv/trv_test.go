package trv

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/srg/trvd/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = device.MustParseAddress("00:1A:22:0C:3B:4D")

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		cmd      Command
		expected []byte
	}{
		{"boost", NewCommand(testAddr, KindBoost), []byte{0x45, 0x01}},
		{"unboost", NewCommand(testAddr, KindUnboost), []byte{0x45, 0x00}},
		{"auto", NewCommand(testAddr, KindAuto), []byte{0x40, 0x00}},
		{"manual", NewCommand(testAddr, KindManual), []byte{0x40, 0x40}},
		{"lock", NewCommand(testAddr, KindLock), []byte{0x80, 0x01}},
		{"unlock", NewCommand(testAddr, KindUnlock), []byte{0x80, 0x00}},
		{"settemp", NewCommand(testAddr, KindSetTemperature, 0x2b), []byte{0x41, 0x2b}},
		{"offset", NewCommand(testAddr, KindSetOffset, 0x07), []byte{0x13, 0x07}},
		{
			"settime",
			NewCommand(testAddr, KindSetTime, 0x18, 0x0a, 0x13, 0x0c, 0x22, 0x05),
			[]byte{0x03, 0x18, 0x0a, 0x13, 0x0c, 0x22, 0x05},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, payload)
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Encode(Command{Kind: Kind(42)})
		assert.True(t, errors.Is(err, ErrUnknownKind))
	})
}

func TestEncodeTemperature(t *testing.T) {
	tests := []struct {
		celsius  float64
		expected byte
		wantErr  bool
	}{
		{21.5, 0x2b, false},
		{21.0, 0x2a, false},
		{21.7, 0x2b, false},
		{21.4, 0x2a, false},
		{30.0, TemperatureOn, false},
		{4.5, TemperatureOff, false},
		{5.0, 0x0a, false},
		{4.4, 0, true},
		{30.5, 0, true},
	}

	for _, tt := range tests {
		b, err := EncodeTemperature(tt.celsius)
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrTemperatureRange), "%.1f MUST be rejected", tt.celsius)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, b, "%.1f MUST encode to 0x%02x", tt.celsius, tt.expected)
	}

	// GOAL: every half step in range survives an encode/decode cycle
	for c := 4.5; c <= 30.0; c += 0.5 {
		b, err := EncodeTemperature(c)
		require.NoError(t, err)
		assert.Equal(t, c, DecodeTemperature(b))
	}
}

func TestEncodeOffset(t *testing.T) {
	tests := []struct {
		offset   float64
		expected byte
		wantErr  bool
	}{
		{0.0, 0x07, false},
		{-3.5, 0x00, false},
		{3.5, 0x0e, false},
		{1.5, 0x0a, false},
		{-1.0, 0x05, false},
		{1.2, 0x09, false},
		{-3.6, 0, true},
		{4.0, 0, true},
	}

	for _, tt := range tests {
		b, err := EncodeOffset(tt.offset)
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrOffsetRange))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, b, "offset %.1f", tt.offset)
	}

	for o := -3.5; o <= 3.5; o += 0.5 {
		b, err := EncodeOffset(o)
		require.NoError(t, err)
		assert.Equal(t, o, DecodeOffset(b))
	}
}

func TestEncodeTime(t *testing.T) {
	ts := time.Date(2024, time.October, 19, 12, 34, 5, 0, time.UTC)
	assert.Equal(t, [6]byte{24, 10, 19, 12, 34, 5}, EncodeTime(ts))
}

func TestSameRequest(t *testing.T) {
	other := device.MustParseAddress("00:1A:22:0C:3B:4E")

	a := NewCommand(testAddr, KindSetTemperature, 0x2b)
	b := NewCommand(testAddr, KindSetTemperature, 0x2b)
	assert.NotEqual(t, a.ID, b.ID, "each command MUST get its own id")
	assert.True(t, a.SameRequest(b))
	assert.False(t, a.SameRequest(NewCommand(testAddr, KindSetTemperature, 0x2c)))
	assert.False(t, a.SameRequest(NewCommand(other, KindSetTemperature, 0x2b)))
	assert.False(t, a.SameRequest(NewCommand(testAddr, KindSetOffset, 0x2b)))
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "00:1A:22:0C:3B:4D settemp 21.5", NewCommand(testAddr, KindSetTemperature, 0x2b).String())
	assert.Equal(t, "00:1A:22:0C:3B:4D offset -1.0", NewCommand(testAddr, KindSetOffset, 0x05).String())
	assert.Equal(t, "00:1A:22:0C:3B:4D boost", NewCommand(testAddr, KindBoost).String())
}

func TestDecodeStatus(t *testing.T) {
	full := []byte{0x02, 0x01, 0x08, 0x0c, 0x04, 0x2b, 0, 0, 0, 0, 0, 0, 0, 0, 0x07}

	t.Run("full notification", func(t *testing.T) {
		s, err := DecodeStatus(full)
		require.NoError(t, err)

		assert.True(t, s.HasTemperature)
		assert.Equal(t, 21.5, s.Temperature)
		assert.True(t, s.HasOffset)
		assert.Equal(t, 0.0, s.Offset)
		assert.Equal(t, 12, s.ValveOpen)
		assert.Equal(t, ModeAuto, s.Mode())
		assert.True(t, s.DST())
		assert.False(t, s.Boost())
		assert.False(t, s.LowBattery())
	})

	t.Run("short notification omits trailing fields", func(t *testing.T) {
		s, err := DecodeStatus([]byte{0x02, 0x01, 0x21, 0x30})
		require.NoError(t, err)

		assert.True(t, s.HasFlags)
		assert.True(t, s.HasValve)
		assert.False(t, s.HasTemperature)
		assert.False(t, s.HasOffset)
		assert.Equal(t, ModeManual, s.Mode())
		assert.True(t, s.Locked())
	})

	t.Run("not an info return", func(t *testing.T) {
		_, err := DecodeStatus([]byte{0x01, 0x01, 0x00})
		assert.True(t, errors.Is(err, ErrNotStatus))

		_, err = DecodeStatus([]byte{0x02, 0x02, 0x00})
		assert.True(t, errors.Is(err, ErrNotStatus))

		_, err = DecodeStatus(nil)
		assert.True(t, errors.Is(err, ErrNotStatus))
	})

	t.Run("flag combinations", func(t *testing.T) {
		s := Status{Flags: FlagManual | FlagAway | FlagBoost | FlagWindow | FlagLowBattery, HasFlags: true}
		assert.Equal(t, ModeManual, s.Mode(), "manual bit MUST win over away")
		assert.Equal(t, ModeHoliday, Status{Flags: FlagAway, HasFlags: true}.Mode())

		decoded, err := DecodeStatus([]byte{0x02, 0x01, 0x03, 0x00, 0x04, 0x2b})
		require.NoError(t, err)
		assert.Equal(t, ModeManual, decoded.Mode(), "flags 0x03 MUST report manual")
		assert.True(t, s.Boost())
		assert.True(t, s.Window())
		assert.True(t, s.LowBattery())
		assert.False(t, s.Locked())
	})
}

func TestStatusReport(t *testing.T) {
	s, err := DecodeStatus([]byte{0x02, 0x01, 0x08, 0x0c, 0x04, 0x2b, 0, 0, 0, 0, 0, 0, 0, 0, 0x07})
	require.NoError(t, err)

	r := StatusReport(testAddr, s)
	assert.Equal(t,
		`{"trv":"00:1A:22:0C:3B:4D","temp":"21.5","offsetTemp":"0.0","valve":"12% open","mode":"auto","boost":"inactive","window":"closed","state":"unlocked","battery":"GOOD"}`,
		r.String(), "keys MUST keep publication order")
	assert.Equal(t, []string{"trv", "temp", "offsetTemp", "valve", "mode", "boost", "window", "state", "battery"}, r.Keys())
	assert.False(t, r.IsFailure())
}

func TestFailureAndAckReports(t *testing.T) {
	f := FailureReport(testAddr, "device unavailable")
	assert.True(t, f.IsFailure())

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"trv":"00:1A:22:0C:3B:4D","error":"device unavailable"}`, string(data))

	a := AckReport(testAddr, []byte{0x45, 0x01})
	v, ok := a.Get(KeyAck)
	assert.True(t, ok)
	assert.Equal(t, "0x45", v)
	assert.Equal(t, "{}", string(mustJSON(t, Report{})))
}

func mustJSON(t *testing.T, r Report) []byte {
	t.Helper()
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	return b
}
