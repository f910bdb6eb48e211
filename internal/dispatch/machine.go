package dispatch

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/pacing"
	"github.com/srg/trvd/internal/queue"
	"github.com/srg/trvd/internal/trv"
)

// Options tune the state machine. Zero values fall back to the defaults.
type Options struct {
	GraceTicks        int `default:"2"`
	StateTimeoutTicks int `default:"15"`
	MTU               int `default:"64"`
}

func (o Options) withDefaults() Options {
	if o.GraceTicks <= 0 {
		o.GraceTicks = trv.DefaultGraceTicks
	}
	if o.StateTimeoutTicks <= 0 {
		o.StateTimeoutTicks = 15
	}
	if o.MTU <= 0 {
		o.MTU = trv.DefaultRequestMTU
	}
	return o
}

// Machine is the protocol state machine. Step is its only entry point; it
// performs no I/O and returns the effects the caller must carry out.
// A Machine is not safe for concurrent use.
type Machine struct {
	opts   Options
	queue  *queue.Queue
	sched  pacing.Scheduler
	logger *logrus.Logger

	state      State
	stateTicks int
	session    Session
	attempt    Attempt
	inflight   trv.Command

	// an action that arrived while the pacing slot was busy
	deferred *pacing.Action
}

// NewMachine creates an idle machine draining q.
func NewMachine(q *queue.Queue, opts Options, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{
		opts:   opts.withDefaults(),
		queue:  q,
		logger: logger,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Session returns a copy of the link session.
func (m *Machine) Session() Session { return m.session }

// Pending returns the outstanding deferred action.
func (m *Machine) Pending() (pacing.Action, bool) { return m.sched.Pending() }

// Queue returns the command queue.
func (m *Machine) Queue() *queue.Queue { return m.queue }

// Drained reports whether there is nothing left to do: no queued command, no
// open link and no outstanding action.
func (m *Machine) Drained() bool {
	return m.state == Idle && !m.session.Open && m.sched.Idle() && m.deferred == nil && m.queue.Len() == 0
}

// Step applies one event.
func (m *Machine) Step(ev Event) []Effect {
	switch e := ev.(type) {
	case Tick:
		return m.onTick()
	case Submit:
		return m.onSubmit(e)
	case Schedule:
		m.schedule(e.Kind, e.Ticks)
		return nil
	case Connected:
		return m.onConnected(e)
	case MTUExchanged:
		return m.onMTU(e)
	case ServiceDiscovered:
		return m.onService(e)
	case CharacteristicsDiscovered:
		return m.onCharacteristics(e)
	case Subscribed:
		return m.onSubscribed(e)
	case Written:
		return m.onWritten(e)
	case Notified:
		return m.onNotified(e)
	case Disconnected:
		return m.onDisconnected(e)
	default:
		m.logger.WithField("event", ev).Warn("Unknown dispatch event")
		return nil
	}
}

func (m *Machine) enter(s State) {
	if s != m.state {
		m.logger.WithFields(logrus.Fields{
			"from":    m.state,
			"to":      s,
			"attempt": m.attempt,
		}).Debug("Dispatch state transition")
	}
	m.state = s
	m.stateTicks = 0
}

func (m *Machine) log() *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"attempt": m.attempt,
		"trv":     m.session.Target,
		"command": m.inflight.Kind,
		"id":      m.inflight.ID,
	})
}

func (m *Machine) onSubmit(e Submit) []Effect {
	accepted := m.queue.Enqueue(e.Command)
	if !accepted {
		m.logger.WithFields(logrus.Fields{
			"trv":     e.Command.Target,
			"command": e.Command.Kind,
		}).Info("Command still pending")
		return []Effect{Enqueued{Command: e.Command, Accepted: false}}
	}
	m.logger.WithFields(logrus.Fields{
		"trv":     e.Command.Target,
		"command": e.Command.Kind,
		"id":      e.Command.ID,
		"queued":  m.queue.Len(),
	}).Debug("Command queued")
	return []Effect{
		Enqueued{Command: e.Command, Accepted: true},
		AppendLog{Line: e.Command.String()},
	}
}

func (m *Machine) schedule(kind pacing.Kind, ticks int) {
	if kind == pacing.Disconnect && m.deferred == nil {
		// a link must not wait out a transport countdown; the transport
		// action resumes with its remaining ticks once the disconnect fires
		if a, ok := m.sched.Pending(); ok && a.Kind != pacing.Disconnect {
			m.sched.Cancel()
			m.deferred = &a
			m.logger.WithFields(logrus.Fields{
				"action":    a.Kind,
				"remaining": a.Countdown,
			}).Debug("Disconnect takes the pacing slot")
		}
	}
	err := m.sched.ScheduleOnce(kind, ticks)
	if err == nil {
		return
	}
	if m.deferred == nil {
		m.logger.WithFields(logrus.Fields{
			"action": kind,
			"ticks":  ticks,
		}).Debug("Pacing slot busy, deferring action")
		m.deferred = &pacing.Action{Kind: kind, Countdown: ticks}
		return
	}
	m.logger.WithError(err).WithField("action", kind).Warn("Deferred action dropped")
}

func (m *Machine) onTick() []Effect {
	var effects []Effect

	if m.state != Idle {
		m.stateTicks++
		if m.stateTicks >= m.opts.StateTimeoutTicks {
			return m.onWatchdog()
		}
	}

	pending, hadPending := m.sched.Pending()
	if kind, fired := m.sched.Tick(); fired {
		effects = append(effects, m.fire(kind)...)
		if m.deferred != nil {
			d := *m.deferred
			m.deferred = nil
			m.schedule(d.Kind, d.Countdown)
		}
	}
	if hadPending && pending.Kind == pacing.Disconnect {
		return effects
	}

	// transport actions run on their own countdown and do not hold back commands
	if m.state == Idle && !m.session.Open && !m.disconnectPending() {
		effects = append(effects, m.dispatchHead()...)
	}
	return effects
}

func (m *Machine) disconnectPending() bool {
	if a, ok := m.sched.Pending(); ok && a.Kind == pacing.Disconnect {
		return true
	}
	return m.deferred != nil && m.deferred.Kind == pacing.Disconnect
}

func (m *Machine) fire(kind pacing.Kind) []Effect {
	switch kind {
	case pacing.Disconnect:
		if m.state.InFlight() {
			m.log().Warn("Disconnect fired during a command, ignoring")
			return nil
		}
		return m.disconnect()
	case pacing.StartTransport:
		return []Effect{StartTransport{}}
	case pacing.RestartTransport:
		return []Effect{RestartTransport{}}
	}
	return nil
}

func (m *Machine) disconnect() []Effect {
	if m.session.Open {
		m.log().Debug("Closing link")
		m.enter(Disconnecting)
		return []Effect{Close{Attempt: m.attempt}}
	}
	m.reset()
	return nil
}

func (m *Machine) reset() {
	m.session = Session{}
	m.inflight = trv.Command{}
	m.enter(Idle)
}

func (m *Machine) dispatchHead() []Effect {
	head, ok := m.queue.Head()
	if !ok {
		return nil
	}
	m.attempt++
	m.inflight = head
	m.session = Session{Attempt: m.attempt, Target: head.Target}
	m.enter(Connecting)
	m.log().WithField("retries", head.Retries).Info("Dispatching command")
	return []Effect{Open{Attempt: m.attempt, Target: head.Target}}
}

func (m *Machine) onWatchdog() []Effect {
	m.log().WithFields(logrus.Fields{
		"state": m.state,
		"ticks": m.stateTicks,
	}).Warn("Dispatch watchdog expired")

	switch {
	case m.state.InFlight():
		return m.fail(ReasonTimeout)
	case m.state == Settling:
		if a, ok := m.sched.Pending(); ok && a.Kind == pacing.Disconnect {
			m.sched.Cancel()
		}
		if m.deferred != nil {
			d := *m.deferred
			m.deferred = nil
			if d.Kind != pacing.Disconnect {
				m.schedule(d.Kind, d.Countdown)
			}
		}
		return m.disconnect()
	default:
		m.reset()
		return nil
	}
}

// current reports whether a radio result belongs to the live attempt and the
// machine is waiting for it.
func (m *Machine) current(a Attempt, want State) bool {
	if a != m.attempt || m.state != want {
		m.logger.WithFields(logrus.Fields{
			"attempt": a,
			"current": m.attempt,
			"state":   m.state,
			"want":    want,
		}).Debug("Ignoring stale radio result")
		return false
	}
	return true
}

func (m *Machine) onConnected(e Connected) []Effect {
	if !m.current(e.Attempt, Connecting) {
		if e.Err == nil {
			// orphan link from an abandoned attempt
			return []Effect{Close{Attempt: e.Attempt}}
		}
		return nil
	}
	if e.Err != nil {
		m.log().WithError(e.Err).Warn("Connection failed")
		return m.fail(ReasonUnavailable)
	}
	m.session.Open = true
	m.enter(NegotiatingTransport)
	return []Effect{ExchangeMTU{Attempt: m.attempt, MTU: m.opts.MTU}}
}

func (m *Machine) onMTU(e MTUExchanged) []Effect {
	if !m.current(e.Attempt, NegotiatingTransport) {
		return nil
	}
	if e.Err != nil {
		m.log().WithError(e.Err).Warn("MTU exchange failed")
		return m.fail(ReasonDeviceError)
	}
	m.log().WithField("mtu", e.MTU).Debug("MTU negotiated")
	m.enter(DiscoveringService)
	return []Effect{DiscoverService{Attempt: m.attempt, UUID: trv.ServiceUUID}}
}

func (m *Machine) onService(e ServiceDiscovered) []Effect {
	if !m.current(e.Attempt, DiscoveringService) {
		return nil
	}
	switch {
	case e.Err != nil && errors.Is(e.Err, &device.NotFoundError{Resource: "service"}):
		return m.fail(ReasonNotRecognized)
	case e.Err != nil:
		m.log().WithError(e.Err).Warn("Service discovery failed")
		return m.fail(ReasonDeviceError)
	case !e.Found:
		m.log().Warn("Valve service not found")
		return m.fail(ReasonNotRecognized)
	}
	m.session.Service = e.Range
	m.enter(DiscoveringCharacteristics)
	return []Effect{DiscoverCharacteristics{
		Attempt: m.attempt,
		Range:   e.Range,
		Command: trv.CommandCharUUID,
		Notify:  trv.NotifyCharUUID,
	}}
}

func (m *Machine) onCharacteristics(e CharacteristicsDiscovered) []Effect {
	if !m.current(e.Attempt, DiscoveringCharacteristics) {
		return nil
	}
	switch {
	case e.Err != nil && errors.Is(e.Err, &device.NotFoundError{}):
		return m.fail(ReasonNoCharacteristic)
	case e.Err != nil:
		m.log().WithError(e.Err).Warn("Characteristic discovery failed")
		return m.fail(ReasonDeviceError)
	case e.CommandHandle == 0 || e.NotifyHandle == 0:
		m.log().WithFields(logrus.Fields{
			"command_handle": e.CommandHandle,
			"notify_handle":  e.NotifyHandle,
		}).Warn("Valve characteristics not found")
		return m.fail(ReasonNoCharacteristic)
	}
	m.session.CommandHandle = e.CommandHandle
	m.session.NotifyHandle = e.NotifyHandle
	m.enter(SubscribingNotify)
	return []Effect{Subscribe{Attempt: m.attempt, Handle: e.NotifyHandle}}
}

func (m *Machine) onSubscribed(e Subscribed) []Effect {
	if !m.current(e.Attempt, SubscribingNotify) {
		return nil
	}
	if e.Err != nil {
		m.log().WithError(e.Err).Warn("Notification subscribe failed")
		return m.fail(ReasonNotifyError)
	}
	payload, err := trv.Encode(m.inflight)
	if err != nil {
		m.log().WithError(err).Error("Command cannot be encoded")
		return m.fail(ReasonWriteFailed)
	}
	m.enter(WritingCommand)
	m.log().WithField("payload", payload).Debug("Writing command")
	return []Effect{Write{Attempt: m.attempt, Handle: m.session.CommandHandle, Payload: payload}}
}

func (m *Machine) onWritten(e Written) []Effect {
	if !m.current(e.Attempt, WritingCommand) {
		return nil
	}
	if e.Err != nil {
		m.log().WithError(e.Err).Warn("Command write failed")
		return m.fail(ReasonWriteFailed)
	}
	m.enter(AwaitingNotification)
	return nil
}

func (m *Machine) onNotified(e Notified) []Effect {
	if e.Attempt != m.attempt || (m.state != WritingCommand && m.state != AwaitingNotification) {
		m.logger.WithFields(logrus.Fields{
			"attempt": e.Attempt,
			"state":   m.state,
			"data":    e.Data,
		}).Debug("Ignoring notification outside a command")
		return nil
	}

	target := m.session.Target
	var report trv.Report
	if status, err := trv.DecodeStatus(e.Data); err == nil {
		report = trv.StatusReport(target, status)
	} else {
		m.log().WithField("data", e.Data).Info("Notification without status")
		report = trv.AckReport(target, e.Data)
	}

	m.queue.Complete()
	m.log().WithField("report", report.String()).Info("Command delivered")
	m.settle()
	return []Effect{PublishStatus{Report: report}, AppendLog{Line: report.String()}}
}

func (m *Machine) onDisconnected(e Disconnected) []Effect {
	if e.Attempt != m.attempt {
		m.logger.WithField("attempt", e.Attempt).Debug("Stale disconnect")
		return nil
	}
	wasOpen := m.session.Open
	m.session.Open = false

	switch {
	case m.state == Disconnecting:
		m.log().Debug("Link closed")
		m.reset()
		return nil
	case m.state.InFlight():
		m.log().WithFields(logrus.Fields{
			"local":    e.Local,
			"was_open": wasOpen,
		}).Warn("Link lost during command")
		return m.fail(ReasonUnavailable)
	default:
		return nil
	}
}

// fail charges the in-flight command one retry and starts the grace period.
func (m *Machine) fail(reason string) []Effect {
	var effects []Effect

	outcome, cmd := m.queue.Fail()
	m.log().WithFields(logrus.Fields{
		"reason":  reason,
		"outcome": outcome,
		"retries": cmd.Retries,
	}).Warn("Command attempt failed")

	if outcome == queue.Exhausted {
		report := trv.FailureReport(cmd.Target, reason)
		effects = append(effects, ReportFailure{Report: report}, AppendLog{Line: report.String()})
	}
	m.settle()
	return effects
}

func (m *Machine) settle() {
	m.enter(Settling)
	m.schedule(pacing.Disconnect, m.opts.GraceTicks)
}
