package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/groutine"
	"github.com/srg/trvd/internal/pacing"
	"github.com/srg/trvd/internal/sink"
	"github.com/srg/trvd/internal/trv"
)

// ErrEngineStopped is returned by Submit after Run has returned.
var ErrEngineStopped = errors.New("dispatch engine stopped")

// Radio executes link effects. Every method must return promptly; the result
// is delivered later through the post function handed to Bind.
type Radio interface {
	Bind(post func(Event))
	Open(ctx context.Context, attempt Attempt, target device.Address)
	ExchangeMTU(attempt Attempt, mtu int)
	DiscoverService(attempt Attempt, uuid string)
	DiscoverCharacteristics(attempt Attempt, rng HandleRange, command, notify string)
	Subscribe(attempt Attempt, handle uint16)
	Write(attempt Attempt, handle uint16, payload []byte)
	Close(attempt Attempt)
}

// TransportController starts the message transport when the engine's pacing says so.
type TransportController interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
}

// EngineOptions configure the runtime loop.
type EngineOptions struct {
	TickInterval time.Duration `default:"1s"`
	EventBuffer  int           `default:"64"`
}

// Status is a point-in-time view of the engine for read-only consumers.
type Status struct {
	State    State
	Session  Session
	Pending  *pacing.Action
	Queued   int
	Commands []trv.Command
	Drained  bool
}

type envelope struct {
	ev    Event
	reply chan bool
}

// Engine owns a Machine and feeds it one serialized event stream made of
// radio results, producer submissions and timer ticks.
type Engine struct {
	machine   *Machine
	radio     Radio
	sink      sink.Sink
	transport TransportController
	opts      EngineOptions
	logger    *logrus.Logger

	events chan envelope
	done   chan struct{}
	ctx    context.Context

	mu     sync.RWMutex
	status Status

	waiters map[ulid.ULID]chan bool
}

// NewEngine wires a machine to its radio and sink.
func NewEngine(m *Machine, radio Radio, s sink.Sink, opts EngineOptions, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if s == nil {
		s = sink.Discard{}
	}
	e := &Engine{
		machine: m,
		radio:   radio,
		sink:    s,
		opts:    opts,
		logger:  logger,
		events:  make(chan envelope, opts.EventBuffer),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		waiters: make(map[ulid.ULID]chan bool),
	}
	radio.Bind(e.Post)
	e.snapshot()
	return e
}

// SetTransport attaches the controller for StartTransport and RestartTransport effects.
// Must be called before Run.
func (e *Engine) SetTransport(t TransportController) {
	e.transport = t
}

// Post delivers an event to the loop. It blocks until the loop accepts it or
// the engine stops.
func (e *Engine) Post(ev Event) {
	select {
	case e.events <- envelope{ev: ev}:
	case <-e.done:
	}
}

// Submit queues cmd and reports whether it was accepted (false when coalesced
// with an identical pending command).
func (e *Engine) Submit(ctx context.Context, cmd trv.Command) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case e.events <- envelope{ev: Submit{Command: cmd}, reply: reply}:
	case <-e.done:
		return false, ErrEngineStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case ok := <-reply:
		return ok, nil
	case <-e.done:
		return false, ErrEngineStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Schedule asks for a deferred action.
func (e *Engine) Schedule(kind pacing.Kind, ticks int) {
	e.Post(Schedule{Kind: kind, Ticks: ticks})
}

// Status returns the last published snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer close(e.done)

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	e.logger.WithField("tick", e.opts.TickInterval).Info("Dispatch engine started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case env := <-e.events:
			e.step(env)
		case <-ticker.C:
			e.step(envelope{ev: Tick{}})
		}
	}
}

// WaitDrained blocks until the engine has nothing left to do.
func (e *Engine) WaitDrained(ctx context.Context) error {
	poll := time.NewTicker(e.opts.TickInterval / 4)
	defer poll.Stop()
	for {
		s := e.Status()
		if s.Drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrEngineStopped
		case <-poll.C:
		}
	}
}

func (e *Engine) step(env envelope) {
	if sub, ok := env.ev.(Submit); ok && env.reply != nil {
		e.waiters[sub.Command.ID] = env.reply
	}
	effects := e.machine.Step(env.ev)
	// publish before executing so a replied Submit never sees a stale view
	e.snapshot()
	for _, eff := range effects {
		e.execute(eff)
	}
}

func (e *Engine) execute(eff Effect) {
	switch x := eff.(type) {
	case Open:
		e.radio.Open(e.ctx, x.Attempt, x.Target)
	case ExchangeMTU:
		e.radio.ExchangeMTU(x.Attempt, x.MTU)
	case DiscoverService:
		e.radio.DiscoverService(x.Attempt, x.UUID)
	case DiscoverCharacteristics:
		e.radio.DiscoverCharacteristics(x.Attempt, x.Range, x.Command, x.Notify)
	case Subscribe:
		e.radio.Subscribe(x.Attempt, x.Handle)
	case Write:
		e.radio.Write(x.Attempt, x.Handle, x.Payload)
	case Close:
		e.radio.Close(x.Attempt)
	case PublishStatus:
		e.sink.PublishStatus(x.Report)
	case ReportFailure:
		e.sink.PublishStatus(x.Report)
	case AppendLog:
		e.sink.AppendLog(x.Line)
	case Enqueued:
		if reply, ok := e.waiters[x.Command.ID]; ok {
			delete(e.waiters, x.Command.ID)
			reply <- x.Accepted
		}
	case StartTransport:
		e.runTransport("start", func(ctx context.Context, t TransportController) error { return t.Start(ctx) })
	case RestartTransport:
		e.runTransport("restart", func(ctx context.Context, t TransportController) error { return t.Restart(ctx) })
	default:
		e.logger.WithField("effect", eff).Warn("Unknown dispatch effect")
	}
}

func (e *Engine) runTransport(action string, fn func(context.Context, TransportController) error) {
	if e.transport == nil {
		e.logger.WithField("action", action).Debug("No transport attached")
		return
	}
	t := e.transport
	groutine.Go(e.ctx, "transport-"+action, func(ctx context.Context) {
		if err := fn(ctx, t); err != nil {
			e.logger.WithError(err).WithField("action", action).Warn("Transport action failed")
		}
	})
}

func (e *Engine) snapshot() {
	s := Status{
		State:    e.machine.State(),
		Session:  e.machine.Session(),
		Queued:   e.machine.Queue().Len(),
		Commands: e.machine.Queue().Snapshot(),
		Drained:  e.machine.Drained(),
	}
	if a, ok := e.machine.Pending(); ok {
		s.Pending = &a
	}
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) shutdown() {
	s := e.machine.Session()
	if s.Open {
		e.logger.WithField("trv", s.Target).Info("Closing link on shutdown")
		e.radio.Close(s.Attempt)
	}
	e.logger.Info("Dispatch engine stopped")
}
