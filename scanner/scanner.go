package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/devicefactory"
	"github.com/srg/trvd/internal/groutine"
	"github.com/srg/trvd/internal/ringchan"
	"github.com/srg/trvd/internal/sink"
)

// ValveName is the local name EQ-3 valves advertise.
const ValveName = "CC-RT-M-BLE"

// State reports where the scanner is in its lifecycle.
type State int

const (
	NoResults State = iota
	Underway
	Complete
)

func (s State) String() string {
	switch s {
	case NoResults:
		return "no-results"
	case Underway:
		return "underway"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventType marks if the valve was newly discovered or seen again, or how a pass ended
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
	EventComplete
	// EventFailed ends a pass that the adapter aborted; Err says why.
	EventFailed
)

type Event struct {
	Type  EventType
	Valve device.Discovered
	Err   error
}

// Options configures scanning behavior
type Options struct {
	Duration  time.Duration `default:"30s" yaml:"duration"`
	Names     []string      `yaml:"names"`
	BlockList []string      `yaml:"block_list"`
	// Schedule is a cron expression for periodic rescans; empty disables them.
	Schedule string `yaml:"schedule"`
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration: 30 * time.Second,
		Names:    []string{ValveName},
	}
}

type entry struct {
	seq  uint64
	addr device.Address
	name string
	rssi atomic.Int64
}

// Scanner discovers valves in time-bounded passes and keeps the result of the
// last completed pass.
type Scanner struct {
	dev    device.ScanningDevice
	opts   *Options
	sink   sink.Sink
	logger *logrus.Logger
	events *ringchan.Ring[Event]

	mu     sync.Mutex
	state  State
	frozen []device.Discovered
	cron   *cron.Cron
}

// New creates a scanner. A nil dev is resolved through
// devicefactory.DeviceFactory when the first scan starts.
func New(dev device.ScanningDevice, opts *Options, s sink.Sink, logger *logrus.Logger) *Scanner {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Duration <= 0 {
		opts.Duration = 30 * time.Second
	}
	if len(opts.Names) == 0 {
		opts.Names = []string{ValveName}
	}
	if s == nil {
		s = sink.Discard{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		dev:    dev,
		opts:   opts,
		sink:   s,
		logger: logger,
		events: ringchan.New[Event](100),
	}
}

// State returns the current lifecycle state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Devices returns a copy of the last completed pass. While a pass is underway
// the previous result comes back with state Underway so callers can tell it is
// stale.
func (s *Scanner) Devices() ([]device.Discovered, int, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == NoResults {
		return nil, 0, NoResults
	}
	list := make([]device.Discovered, len(s.frozen))
	copy(list, s.frozen)
	return list, len(list), s.state
}

// Events returns a read-only feed of discovery events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Start begins a scan pass in the background and returns immediately. It
// reports whether a pass was started.
func (s *Scanner) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == Underway {
		s.mu.Unlock()
		s.logger.Info("Scan already underway, ignoring request")
		return false
	}
	prev := s.state
	s.state = Underway
	s.mu.Unlock()

	dev := s.dev
	if dev == nil {
		var err error
		dev, err = devicefactory.DeviceFactory()
		if err != nil {
			s.logger.WithError(err).Error("Failed to create BLE device, scan not started")
			s.restore(prev)
			return false
		}
		s.mu.Lock()
		s.dev = dev
		s.mu.Unlock()
	}

	s.logger.WithField("duration", s.opts.Duration).Info("Starting BLE scan...")

	live := hashmap.New[string, *entry]()
	var seq atomic.Uint64
	handler := func(adv device.Advertisement) {
		s.handleAdvertisement(live, &seq, adv)
	}

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		scanCtx, cancel := context.WithTimeout(ctx, s.opts.Duration)
		defer cancel()

		err := dev.Scan(scanCtx, true, handler)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.WithError(err).Error("BLE scan failed")
			s.restore(prev)
			s.events.Push(Event{Type: EventFailed, Err: err})
			return
		}
		s.complete(live)
	})
	return true
}

func (s *Scanner) restore(prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = prev
}

// handleAdvertisement records a new valve or refreshes the RSSI of a known one
func (s *Scanner) handleAdvertisement(live *hashmap.Map[string, *entry], seq *atomic.Uint64, adv device.Advertisement) {
	name := adv.LocalName()
	if !s.wanted(name, adv.Addr()) {
		return
	}
	addr, err := device.ParseAddress(adv.Addr())
	if err != nil {
		s.logger.WithError(err).WithField("address", adv.Addr()).Debug("Ignoring advertisement with unparsable address")
		return
	}
	key := addr.String()

	e, existing := live.Get(key)
	if !existing {
		fresh := &entry{seq: seq.Add(1), addr: addr, name: name}
		fresh.rssi.Store(int64(adv.RSSI()))
		e, existing = live.GetOrInsert(key, fresh)
	}

	event := Event{Type: EventNew}
	if existing {
		e.rssi.Store(int64(adv.RSSI()))
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"trv":  addr,
			"name": name,
			"rssi": adv.RSSI(),
		}).Info("Discovered valve")
	}
	event.Valve = e.discovered()
	s.events.Push(event)
}

func (s *Scanner) wanted(name, addr string) bool {
	for _, blocked := range s.opts.BlockList {
		if device.SameAddress(addr, blocked) {
			return false
		}
	}
	for _, n := range s.opts.Names {
		if name == n {
			return true
		}
	}
	return false
}

func (e *entry) discovered() device.Discovered {
	return device.Discovered{Address: e.addr, Name: e.name, RSSI: int(e.rssi.Load())}
}

func (s *Scanner) complete(live *hashmap.Map[string, *entry]) {
	entries := make([]*entry, 0, live.Len())
	live.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	list := make([]device.Discovered, len(entries))
	for i, e := range entries {
		list[i] = e.discovered()
	}

	s.mu.Lock()
	s.frozen = list
	s.state = Complete
	s.mu.Unlock()

	s.logger.WithField("device_count", len(list)).Info("BLE scan completed")

	published := make([]device.Discovered, len(list))
	copy(published, list)
	s.sink.PublishDeviceList(published)
	s.events.Push(Event{Type: EventComplete})
}

// StartSchedule runs Start on the configured cron schedule until ctx ends.
// It is a no-op when no schedule is configured.
func (s *Scanner) StartSchedule(ctx context.Context) error {
	if s.opts.Schedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.Start(ctx) }); err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", s.opts.Schedule, err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("scan schedule already running")
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.WithField("schedule", s.opts.Schedule).Info("Periodic scans enabled")

	groutine.Go(ctx, "scan-schedule", func(ctx context.Context) {
		<-ctx.Done()
		<-c.Stop().Done()
		s.mu.Lock()
		s.cron = nil
		s.mu.Unlock()
	})
	return nil
}
