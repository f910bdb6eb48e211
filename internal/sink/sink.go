// Package sink defines where dispatch results go and provides the local
// implementations: a logrus-backed activity log with a bounded history, a
// colourised console printer and a fan-out.
package sink

import (
	"sync"

	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
)

// Sink consumes reports. Implementations must not block the caller for long;
// they are invoked from the dispatch loop.
type Sink interface {
	PublishStatus(report trv.Report)
	PublishDeviceList(devices []device.Discovered)
	AppendLog(line string)
}

// Discard drops everything.
type Discard struct{}

func (Discard) PublishStatus(trv.Report)               {}
func (Discard) PublishDeviceList([]device.Discovered) {}
func (Discard) AppendLog(string)                      {}

// Multi fans every call out to all attached sinks in order.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti creates a fan-out over sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Add attaches another sink. Safe to call while reports flow.
func (m *Multi) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

func (m *Multi) each(fn func(Sink)) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		fn(s)
	}
}

func (m *Multi) PublishStatus(report trv.Report) {
	m.each(func(s Sink) { s.PublishStatus(report) })
}

func (m *Multi) PublishDeviceList(devices []device.Discovered) {
	m.each(func(s Sink) {
		cp := make([]device.Discovered, len(devices))
		copy(cp, devices)
		s.PublishDeviceList(cp)
	})
}

func (m *Multi) AppendLog(line string) {
	m.each(func(s Sink) { s.AppendLog(line) })
}
