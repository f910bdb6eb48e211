package testutils

import (
	"context"
	"sync"

	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/dispatch"
)

// StatusNotification is an info return for an unlocked valve in auto mode at
// 21.5 °C with a zero offset.
var StatusNotification = []byte{0x02, 0x01, 0x00, 0x00, 0x04, 0x2b, 0, 0, 0, 0, 0, 0, 0, 0, 0x07}

// Radio operations that can be scripted to fail.
const (
	OpOpen            = "open"
	OpMTU             = "mtu"
	OpService         = "service"
	OpCharacteristics = "characteristics"
	OpSubscribe       = "subscribe"
	OpWrite           = "write"
)

// FakeRadio is a dispatch.Radio answering every operation asynchronously, the
// way a real adapter does. By default every step succeeds and a write is
// followed by StatusNotification.
type FakeRadio struct {
	mu           sync.Mutex
	post         func(dispatch.Event)
	failures     map[string]error
	noService    bool
	notification []byte
	opened       []device.Address
	writes       [][]byte
	links        int
	maxLinks     int
	wg           sync.WaitGroup
}

func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		post:         func(dispatch.Event) {},
		failures:     make(map[string]error),
		notification: StatusNotification,
	}
}

// FailOn makes op fail with err.
func (r *FakeRadio) FailOn(op string, err error) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
	return r
}

// WithoutService makes service discovery come back empty.
func (r *FakeRadio) WithoutService() *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noService = true
	return r
}

// RespondWith replaces the notification sent after a write; nil sends none.
func (r *FakeRadio) RespondWith(data []byte) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notification = data
	return r
}

// Opened returns every dialed target in order.
func (r *FakeRadio) Opened() []device.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Address(nil), r.opened...)
}

// Writes returns every payload written.
func (r *FakeRadio) Writes() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.writes...)
}

// MaxConcurrentLinks is the highest number of links open at the same time.
func (r *FakeRadio) MaxConcurrentLinks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLinks
}

// Wait blocks until every posted result has been delivered.
func (r *FakeRadio) Wait() {
	r.wg.Wait()
}

func (r *FakeRadio) failure(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[op]
}

func (r *FakeRadio) emit(events ...dispatch.Event) {
	r.mu.Lock()
	post := r.post
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for _, ev := range events {
			post(ev)
		}
	}()
}

func (r *FakeRadio) Bind(post func(dispatch.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post = post
}

func (r *FakeRadio) Open(_ context.Context, attempt dispatch.Attempt, target device.Address) {
	err := r.failure(OpOpen)

	r.mu.Lock()
	r.opened = append(r.opened, target)
	if err == nil {
		r.links++
		if r.links > r.maxLinks {
			r.maxLinks = r.links
		}
	}
	r.mu.Unlock()

	r.emit(dispatch.Connected{Attempt: attempt, Err: err})
}

func (r *FakeRadio) ExchangeMTU(attempt dispatch.Attempt, mtu int) {
	r.emit(dispatch.MTUExchanged{Attempt: attempt, MTU: mtu, Err: r.failure(OpMTU)})
}

func (r *FakeRadio) DiscoverService(attempt dispatch.Attempt, uuid string) {
	r.mu.Lock()
	found := !r.noService
	r.mu.Unlock()

	ev := dispatch.ServiceDiscovered{Attempt: attempt, Err: r.failure(OpService)}
	if found && ev.Err == nil {
		ev.Found = true
		ev.Range = dispatch.HandleRange{Start: 0x0400, End: 0x0430}
	}
	r.emit(ev)
}

func (r *FakeRadio) DiscoverCharacteristics(attempt dispatch.Attempt, _ dispatch.HandleRange, _, _ string) {
	ev := dispatch.CharacteristicsDiscovered{Attempt: attempt, Err: r.failure(OpCharacteristics)}
	if ev.Err == nil {
		ev.CommandHandle = 0x0411
		ev.NotifyHandle = 0x0421
	}
	r.emit(ev)
}

func (r *FakeRadio) Subscribe(attempt dispatch.Attempt, _ uint16) {
	r.emit(dispatch.Subscribed{Attempt: attempt, Err: r.failure(OpSubscribe)})
}

func (r *FakeRadio) Write(attempt dispatch.Attempt, _ uint16, payload []byte) {
	err := r.failure(OpWrite)

	r.mu.Lock()
	r.writes = append(r.writes, append([]byte(nil), payload...))
	notification := r.notification
	r.mu.Unlock()

	events := []dispatch.Event{dispatch.Written{Attempt: attempt, Err: err}}
	if err == nil && notification != nil {
		events = append(events, dispatch.Notified{Attempt: attempt, Data: append([]byte(nil), notification...)})
	}
	r.emit(events...)
}

func (r *FakeRadio) Close(attempt dispatch.Attempt) {
	r.mu.Lock()
	if r.links > 0 {
		r.links--
	}
	r.mu.Unlock()
	r.emit(dispatch.Disconnected{Attempt: attempt, Local: true})
}
