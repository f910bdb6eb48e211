package testutils

import (
	"sync"
	"time"

	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
)

// RecorderSink records everything published to it.
type RecorderSink struct {
	mu       sync.Mutex
	statuses []trv.Report
	lists    [][]device.Discovered
	lines    []string
	notify   chan struct{}
}

func NewRecorderSink() *RecorderSink {
	return &RecorderSink{notify: make(chan struct{}, 1)}
}

func (s *RecorderSink) PublishStatus(report trv.Report) {
	s.mu.Lock()
	s.statuses = append(s.statuses, report)
	s.mu.Unlock()
	s.signal()
}

func (s *RecorderSink) PublishDeviceList(devices []device.Discovered) {
	s.mu.Lock()
	s.lists = append(s.lists, devices)
	s.mu.Unlock()
	s.signal()
}

func (s *RecorderSink) AppendLog(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *RecorderSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *RecorderSink) Statuses() []trv.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trv.Report(nil), s.statuses...)
}

func (s *RecorderSink) DeviceLists() [][]device.Discovered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]device.Discovered(nil), s.lists...)
}

func (s *RecorderSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// WaitStatuses blocks until at least n status reports arrived or timeout passes.
func (s *RecorderSink) WaitStatuses(n int, timeout time.Duration) []trv.Report {
	return waitFor(s, timeout, func() bool { return len(s.statuses) >= n }, s.Statuses)
}

// WaitDeviceLists blocks until at least n device lists arrived or timeout passes.
func (s *RecorderSink) WaitDeviceLists(n int, timeout time.Duration) [][]device.Discovered {
	return waitFor(s, timeout, func() bool { return len(s.lists) >= n }, s.DeviceLists)
}

func waitFor[T any](s *RecorderSink, timeout time.Duration, done func() bool, get func() T) T {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ok := done()
		s.mu.Unlock()
		if ok {
			return get()
		}
		select {
		case <-s.notify:
		case <-deadline:
			return get()
		}
	}
}
