package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/internal/groutine"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}

// RadioOptions configure the link layer.
type RadioOptions struct {
	ConnectTimeout time.Duration `default:"10s" yaml:"connect_timeout"`
	OpBuffer       int           `default:"8" yaml:"op_buffer"`
}

// Radio runs dispatch link effects on a go-ble device. Every link gets its own
// worker so operations on it execute in order, off the dispatch loop.
type Radio struct {
	dev    ble.Device
	opts   RadioOptions
	logger *logrus.Logger

	post func(dispatch.Event)

	mu      sync.Mutex
	links   map[dispatch.Attempt]*link
	workers groutine.Group
}

type link struct {
	attempt dispatch.Attempt
	target  device.Address
	cancel  context.CancelFunc

	clientMu sync.Mutex
	client   ble.Client

	// owned by the link worker
	service *ble.Service
	chars   map[uint16]*ble.Characteristic

	ops      chan func()
	done     chan struct{}
	downOnce sync.Once
	closing  atomic.Bool
}

// NewRadio creates a radio on dev.
func NewRadio(dev ble.Device, opts RadioOptions, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.OpBuffer <= 0 {
		opts.OpBuffer = 8
	}
	return &Radio{
		dev:    dev,
		opts:   opts,
		logger: logger,
		post:   func(dispatch.Event) {},
		links:  make(map[dispatch.Attempt]*link),
	}
}

// Bind implements dispatch.Radio.
func (r *Radio) Bind(post func(dispatch.Event)) {
	r.post = post
}

// Open implements dispatch.Radio.
func (r *Radio) Open(ctx context.Context, attempt dispatch.Attempt, target device.Address) {
	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	l := &link{
		attempt: attempt,
		target:  target,
		cancel:  cancel,
		chars:   make(map[uint16]*ble.Characteristic),
		ops:     make(chan func(), r.opts.OpBuffer),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if n := len(r.links); n > 0 {
		r.logger.WithField("open_links", n).Warn("Opening a link while another is still up")
	}
	r.links[attempt] = l
	r.mu.Unlock()

	r.workers.Go(ctx, "radio-link", func(context.Context) {
		r.runLink(dialCtx, l)
	})
}

func (r *Radio) runLink(dialCtx context.Context, l *link) {
	log := r.logger.WithFields(logrus.Fields{
		"trv":     l.target,
		"attempt": l.attempt,
	})

	log.WithField("timeout", r.opts.ConnectTimeout).Debug("Dialing valve...")
	client, err := r.dev.Dial(dialCtx, ble.NewAddr(l.target.String()))
	l.cancel()
	if err != nil {
		log.WithError(err).Warn("Failed to dial valve")
		r.forget(l)
		l.down()
		r.post(dispatch.Connected{Attempt: l.attempt, Err: NormalizeError(err)})
		return
	}
	l.clientMu.Lock()
	l.client = client
	l.clientMu.Unlock()
	log.Info("Valve connected")
	r.post(dispatch.Connected{Attempt: l.attempt})

	// Monitor go-ble client Disconnected() channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "radio-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				r.linkDown(l)
			case <-l.done:
			}
		})
	} else {
		log.Debug("Client does not report disconnection, relying on Close")
	}

	for {
		select {
		case op := <-l.ops:
			op()
		case <-l.done:
			return
		}
	}
}

// linkDown retires l and posts its disconnect exactly once.
func (r *Radio) linkDown(l *link) {
	fired := false
	l.downOnce.Do(func() {
		fired = true
		close(l.done)
	})
	if !fired {
		return
	}
	r.forget(l)

	local := l.closing.Load()
	r.logger.WithFields(logrus.Fields{
		"trv":     l.target,
		"attempt": l.attempt,
		"local":   local,
	}).Debug("Link down")
	r.post(dispatch.Disconnected{Attempt: l.attempt, Local: local})
}

func (l *link) conn() ble.Client {
	l.clientMu.Lock()
	defer l.clientMu.Unlock()
	return l.client
}

func (l *link) down() {
	l.downOnce.Do(func() { close(l.done) })
}

func (r *Radio) forget(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.links[l.attempt]; ok && cur == l {
		delete(r.links, l.attempt)
	}
}

func (r *Radio) lookup(attempt dispatch.Attempt) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[attempt]
}

// do queues fn on the link worker. fn returns the result event to post.
func (r *Radio) do(attempt dispatch.Attempt, op string, fn func(l *link) dispatch.Event) {
	l := r.lookup(attempt)
	if l == nil {
		r.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"op":      op,
		}).Debug("No link for radio operation")
		r.postAsync(dispatch.Disconnected{Attempt: attempt})
		return
	}

	run := func() {
		if ev := fn(l); ev != nil {
			r.post(ev)
		}
	}
	select {
	case l.ops <- run:
	case <-l.done:
		r.postAsync(dispatch.Disconnected{Attempt: attempt, Local: l.closing.Load()})
	}
}

// postAsync delivers ev from outside the caller, which may be the dispatch loop itself.
func (r *Radio) postAsync(ev dispatch.Event) {
	r.workers.Go(context.Background(), "radio-post", func(context.Context) {
		r.post(ev)
	})
}

// ExchangeMTU implements dispatch.Radio.
func (r *Radio) ExchangeMTU(attempt dispatch.Attempt, mtu int) {
	r.do(attempt, "exchange-mtu", func(l *link) dispatch.Event {
		tx, err := l.client.ExchangeMTU(mtu)
		return dispatch.MTUExchanged{Attempt: attempt, MTU: tx, Err: NormalizeError(err)}
	})
}

// DiscoverService implements dispatch.Radio.
func (r *Radio) DiscoverService(attempt dispatch.Attempt, uuid string) {
	r.do(attempt, "discover-service", func(l *link) dispatch.Event {
		want, err := ble.Parse(uuid)
		if err != nil {
			return dispatch.ServiceDiscovered{Attempt: attempt, Err: fmt.Errorf("invalid service uuid %q: %w", uuid, err)}
		}
		services, err := l.client.DiscoverServices([]ble.UUID{want})
		if err != nil {
			return dispatch.ServiceDiscovered{Attempt: attempt, Err: NormalizeError(err)}
		}
		for _, s := range services {
			if s.UUID.Equal(want) {
				r.logger.WithFields(logrus.Fields{
					"attempt": attempt,
					"service": device.ShortenUUID(device.NormalizeUUID(uuid)),
				}).Debug("Service discovered")
				l.service = s
				return dispatch.ServiceDiscovered{
					Attempt: attempt,
					Found:   true,
					Range:   dispatch.HandleRange{Start: s.Handle, End: s.EndHandle},
				}
			}
		}
		return dispatch.ServiceDiscovered{Attempt: attempt}
	})
}

// DiscoverCharacteristics implements dispatch.Radio.
func (r *Radio) DiscoverCharacteristics(attempt dispatch.Attempt, rng dispatch.HandleRange, command, notify string) {
	r.do(attempt, "discover-characteristics", func(l *link) dispatch.Event {
		if l.service == nil {
			return dispatch.CharacteristicsDiscovered{Attempt: attempt, Err: &device.NotFoundError{Resource: "service"}}
		}
		cmdUUID, err := ble.Parse(command)
		if err != nil {
			return dispatch.CharacteristicsDiscovered{Attempt: attempt, Err: err}
		}
		notifyUUID, err := ble.Parse(notify)
		if err != nil {
			return dispatch.CharacteristicsDiscovered{Attempt: attempt, Err: err}
		}

		chars, err := l.client.DiscoverCharacteristics(nil, l.service)
		if err != nil {
			return dispatch.CharacteristicsDiscovered{Attempt: attempt, Err: NormalizeError(err)}
		}

		ev := dispatch.CharacteristicsDiscovered{Attempt: attempt}
		for _, c := range chars {
			switch {
			case c.UUID.Equal(cmdUUID):
				ev.CommandHandle = c.ValueHandle
			case c.UUID.Equal(notifyUUID):
				ev.NotifyHandle = c.ValueHandle
			default:
				continue
			}
			l.chars[c.ValueHandle] = c
		}
		r.logger.WithFields(logrus.Fields{
			"attempt":        attempt,
			"service_start":  rng.Start,
			"service_end":    rng.End,
			"command_handle": ev.CommandHandle,
			"notify_handle":  ev.NotifyHandle,
		}).Debug("Characteristics discovered")
		return ev
	})
}

// Subscribe implements dispatch.Radio.
func (r *Radio) Subscribe(attempt dispatch.Attempt, handle uint16) {
	r.do(attempt, "subscribe", func(l *link) dispatch.Event {
		c, ok := l.chars[handle]
		if !ok {
			return dispatch.Subscribed{Attempt: attempt, Err: &device.NotFoundError{Resource: "characteristic"}}
		}
		if c.CCCD == nil {
			if _, err := l.client.DiscoverDescriptors(nil, c); err != nil {
				return dispatch.Subscribed{Attempt: attempt, Err: NormalizeError(err)}
			}
		}
		err := l.client.Subscribe(c, false, func(data []byte) {
			cp := make([]byte, len(data))
			copy(cp, data)
			r.post(dispatch.Notified{Attempt: attempt, Data: cp})
		})
		return dispatch.Subscribed{Attempt: attempt, Err: NormalizeError(err)}
	})
}

// Write implements dispatch.Radio.
func (r *Radio) Write(attempt dispatch.Attempt, handle uint16, payload []byte) {
	r.do(attempt, "write", func(l *link) dispatch.Event {
		c, ok := l.chars[handle]
		if !ok {
			return dispatch.Written{Attempt: attempt, Err: &device.NotFoundError{Resource: "characteristic"}}
		}
		err := l.client.WriteCharacteristic(c, payload, false)
		return dispatch.Written{Attempt: attempt, Err: NormalizeError(err)}
	})
}

// Close implements dispatch.Radio. The connection is cancelled outside the
// link worker, so a GATT operation stuck on the link cannot hold up teardown.
func (r *Radio) Close(attempt dispatch.Attempt) {
	l := r.lookup(attempt)
	if l == nil {
		r.postAsync(dispatch.Disconnected{Attempt: attempt, Local: true})
		return
	}
	l.closing.Store(true)
	l.cancel()

	r.workers.Go(context.Background(), "radio-close", func(context.Context) {
		log := r.logger.WithFields(logrus.Fields{
			"trv":     l.target,
			"attempt": l.attempt,
		})
		if client := l.conn(); client != nil {
			cancelled := make(chan error, 1)
			groutine.Go(context.Background(), "radio-cancel-connection", func(context.Context) {
				cancelled <- client.CancelConnection()
			})
			select {
			case err := <-cancelled:
				if err != nil {
					log.WithError(err).Warn("Failed to cancel connection")
				}
			case <-time.After(r.opts.ConnectTimeout):
				log.WithField("timeout", r.opts.ConnectTimeout).Warn("Connection cancel did not complete, dropping link")
			}
		}
		r.linkDown(l)
	})
}

// Stop tears down every link and waits for the workers. Workers stuck in a
// GATT operation are abandoned after the connect timeout.
func (r *Radio) Stop() {
	r.mu.Lock()
	open := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		open = append(open, l)
	}
	r.mu.Unlock()

	for _, l := range open {
		r.Close(l.attempt)
	}
	if !r.workers.WaitTimeout(2 * r.opts.ConnectTimeout) {
		r.logger.WithField("links", len(open)).Warn("Radio stopped with link operations still running")
		return
	}
	r.logger.WithField("links", len(open)).Debug("Radio stopped")
}
