package dispatch

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/pacing"
	"github.com/srg/trvd/internal/queue"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/internal/trv"
	"github.com/stretchr/testify/suite"
)

var (
	valveA = device.MustParseAddress("00:1A:22:03:AC:11")
	valveB = device.MustParseAddress("00:1A:22:03:AC:22")

	statusAuto215 = []byte{0x02, 0x01, 0x00, 0x00, 0x04, 0x2b, 0, 0, 0, 0, 0, 0, 0, 0, 0x07}
)

type MachineTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	m      *Machine
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

func (suite *MachineTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
	suite.m = NewMachine(queue.New(queue.RequeueToTail), Options{}, suite.logger)
}

func (suite *MachineTestSuite) submit(cmd trv.Command) {
	effects := suite.m.Step(Submit{Command: cmd})
	suite.Require().NotEmpty(effects)
	enq, ok := effects[0].(Enqueued)
	suite.Require().True(ok)
	suite.Require().True(enq.Accepted)
}

// connect ticks the machine until it opens a link and returns the attempt.
func (suite *MachineTestSuite) connect() Attempt {
	effects := suite.m.Step(Tick{})
	suite.Require().Len(effects, 1, "tick MUST dispatch the head command")
	open, ok := effects[0].(Open)
	suite.Require().True(ok, "expected Open, got %T", effects[0])
	suite.Equal(Connecting, suite.m.State())
	return open.Attempt
}

// advanceToWrite walks a connected attempt through discovery and subscribe
// and returns the write effect.
func (suite *MachineTestSuite) advanceToWrite(a Attempt) Write {
	effects := suite.m.Step(Connected{Attempt: a})
	suite.Require().Equal([]Effect{ExchangeMTU{Attempt: a, MTU: trv.DefaultRequestMTU}}, effects)
	suite.True(suite.m.Session().Open)

	effects = suite.m.Step(MTUExchanged{Attempt: a, MTU: 64})
	suite.Require().Equal([]Effect{DiscoverService{Attempt: a, UUID: trv.ServiceUUID}}, effects)

	rng := HandleRange{Start: 0x0c, End: 0x20}
	effects = suite.m.Step(ServiceDiscovered{Attempt: a, Found: true, Range: rng})
	suite.Require().Len(effects, 1)
	dc, ok := effects[0].(DiscoverCharacteristics)
	suite.Require().True(ok)
	suite.Equal(rng, dc.Range)
	suite.Equal(trv.CommandCharUUID, dc.Command)
	suite.Equal(trv.NotifyCharUUID, dc.Notify)

	effects = suite.m.Step(CharacteristicsDiscovered{Attempt: a, CommandHandle: 0x0411, NotifyHandle: 0x0421})
	suite.Require().Equal([]Effect{Subscribe{Attempt: a, Handle: 0x0421}}, effects, "notifications MUST be armed before the write")

	effects = suite.m.Step(Subscribed{Attempt: a})
	suite.Require().Len(effects, 1)
	w, ok := effects[0].(Write)
	suite.Require().True(ok)
	suite.Equal(uint16(0x0411), w.Handle)
	suite.Equal(WritingCommand, suite.m.State())
	return w
}

// tickUntilClosed runs the grace period through to the closed link.
func (suite *MachineTestSuite) tickUntilClosed(a Attempt) {
	suite.Equal(Settling, suite.m.State())
	suite.Empty(suite.m.Step(Tick{}), "grace period MUST delay the disconnect")
	suite.Equal([]Effect{Close{Attempt: a}}, suite.m.Step(Tick{}))
	suite.Equal(Disconnecting, suite.m.State())
	suite.Empty(suite.m.Step(Disconnected{Attempt: a, Local: true}))
	suite.Equal(Idle, suite.m.State())
	suite.False(suite.m.Session().Open)
}

func publishedReports(effects []Effect) (status []trv.Report, failures []trv.Report) {
	for _, e := range effects {
		switch x := e.(type) {
		case PublishStatus:
			status = append(status, x.Report)
		case ReportFailure:
			failures = append(failures, x.Report)
		}
	}
	return
}

func (suite *MachineTestSuite) TestEndToEndSetTemperature() {
	// GOAL: Verify a parsed settemp request travels the whole link lifecycle and yields one status report
	//
	// TEST SCENARIO: parse "settemp 21.5" → connect → negotiate → discover → subscribe → write 0x41 0x2B → info notification → report with temp 21.5 → grace → close

	cmd, err := request.Parse("00:1A:22:03:AC:11 settemp 21.5", nil)
	suite.Require().NoError(err)
	suite.Equal(trv.KindSetTemperature, cmd.Kind)
	suite.Equal(byte(0x2b), cmd.Params[0])

	suite.submit(cmd)
	a := suite.connect()
	w := suite.advanceToWrite(a)
	suite.Equal([]byte{0x41, 0x2b}, w.Payload)

	suite.Empty(suite.m.Step(Written{Attempt: a}))
	suite.Equal(AwaitingNotification, suite.m.State())

	effects := suite.m.Step(Notified{Attempt: a, Data: statusAuto215})
	status, failures := publishedReports(effects)
	suite.Empty(failures)
	suite.Require().Len(status, 1, "exactly one status report MUST be published")
	suite.Contains(status[0].String(), `"temp":"21.5"`)
	suite.Contains(status[0].String(), `"mode":"auto"`)
	suite.Contains(status[0].String(), `"state":"unlocked"`)
	suite.Equal(0, suite.m.Queue().Len(), "delivered command MUST leave the queue")

	suite.tickUntilClosed(a)
	suite.True(suite.m.Drained())
}

func (suite *MachineTestSuite) TestNotificationBeforeWriteAck() {
	// GOAL: Verify a notification racing ahead of the write confirmation still completes the command
	suite.submit(trv.NewCommand(valveA, trv.KindBoost))
	a := suite.connect()
	suite.advanceToWrite(a)

	status, _ := publishedReports(suite.m.Step(Notified{Attempt: a, Data: statusAuto215}))
	suite.Len(status, 1)
	suite.Empty(suite.m.Step(Written{Attempt: a}), "late write confirmation MUST be ignored")
	suite.Equal(Settling, suite.m.State())
}

func (suite *MachineTestSuite) TestNonStatusNotificationIsAcknowledged() {
	suite.submit(trv.NewCommand(valveA, trv.KindLock))
	a := suite.connect()
	suite.advanceToWrite(a)
	suite.m.Step(Written{Attempt: a})

	status, failures := publishedReports(suite.m.Step(Notified{Attempt: a, Data: []byte{0x80, 0x01}}))
	suite.Empty(failures)
	suite.Require().Len(status, 1)
	ack, ok := status[0].Get(trv.KeyAck)
	suite.True(ok)
	suite.Equal("0x80", ack)
}

func (suite *MachineTestSuite) TestFailureClassification() {
	tests := []struct {
		name   string
		reason string
		fail   func(a Attempt) []Effect
	}{
		{
			name:   "connect refused",
			reason: ReasonUnavailable,
			fail: func(a Attempt) []Effect {
				return suite.m.Step(Connected{Attempt: a, Err: errors.New("refused")})
			},
		},
		{
			name:   "mtu failure",
			reason: ReasonDeviceError,
			fail: func(a Attempt) []Effect {
				suite.m.Step(Connected{Attempt: a})
				return suite.m.Step(MTUExchanged{Attempt: a, Err: errors.New("att error")})
			},
		},
		{
			name:   "service missing",
			reason: ReasonNotRecognized,
			fail: func(a Attempt) []Effect {
				suite.m.Step(Connected{Attempt: a})
				suite.m.Step(MTUExchanged{Attempt: a, MTU: 64})
				return suite.m.Step(ServiceDiscovered{Attempt: a, Found: false})
			},
		},
		{
			name:   "service search error",
			reason: ReasonDeviceError,
			fail: func(a Attempt) []Effect {
				suite.m.Step(Connected{Attempt: a})
				suite.m.Step(MTUExchanged{Attempt: a, MTU: 64})
				return suite.m.Step(ServiceDiscovered{Attempt: a, Err: errors.New("gatt busy")})
			},
		},
		{
			name:   "characteristic missing",
			reason: ReasonNoCharacteristic,
			fail: func(a Attempt) []Effect {
				suite.m.Step(Connected{Attempt: a})
				suite.m.Step(MTUExchanged{Attempt: a, MTU: 64})
				suite.m.Step(ServiceDiscovered{Attempt: a, Found: true, Range: HandleRange{1, 2}})
				return suite.m.Step(CharacteristicsDiscovered{Attempt: a, CommandHandle: 0x0411})
			},
		},
		{
			name:   "subscribe failure",
			reason: ReasonNotifyError,
			fail: func(a Attempt) []Effect {
				suite.advanceToSubscribe(a)
				return suite.m.Step(Subscribed{Attempt: a, Err: errors.New("cccd write failed")})
			},
		},
		{
			name:   "write failure",
			reason: ReasonWriteFailed,
			fail: func(a Attempt) []Effect {
				suite.advanceToWrite(a)
				return suite.m.Step(Written{Attempt: a, Err: errors.New("write rejected")})
			},
		},
		{
			name:   "remote disconnect while awaiting notification",
			reason: ReasonUnavailable,
			fail: func(a Attempt) []Effect {
				suite.advanceToWrite(a)
				suite.m.Step(Written{Attempt: a})
				return suite.m.Step(Disconnected{Attempt: a})
			},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			cmd := trv.NewCommand(valveA, trv.KindBoost)
			cmd.Retries = 1
			suite.submit(cmd)
			a := suite.connect()

			status, failures := publishedReports(tt.fail(a))
			suite.Empty(status)
			suite.Require().Len(failures, 1, "exhausted command MUST produce one failure report")
			reason, _ := failures[0].Get(trv.KeyError)
			suite.Equal(tt.reason, reason)
			suite.Equal(Settling, suite.m.State())
			suite.Equal(0, suite.m.Queue().Len())

			p, ok := suite.m.Pending()
			suite.True(ok)
			suite.Equal(pacing.Disconnect, p.Kind)
		})
	}
}

func (suite *MachineTestSuite) advanceToSubscribe(a Attempt) {
	suite.m.Step(Connected{Attempt: a})
	suite.m.Step(MTUExchanged{Attempt: a, MTU: 64})
	suite.m.Step(ServiceDiscovered{Attempt: a, Found: true, Range: HandleRange{1, 0x30}})
	suite.m.Step(CharacteristicsDiscovered{Attempt: a, CommandHandle: 0x0411, NotifyHandle: 0x0421})
	suite.Equal(SubscribingNotify, suite.m.State())
}

func (suite *MachineTestSuite) TestRetryExhaustionReportsOnce() {
	// GOAL: Verify N-1 failures are silent and the Nth yields exactly one failure report
	//
	// TEST SCENARIO: default budget of 3, connection refused on every attempt → reports after the third only

	suite.submit(trv.NewCommand(valveA, trv.KindBoost))

	var failures []trv.Report
	for i := 1; i <= trv.DefaultMaxRetries; i++ {
		a := suite.connect()
		_, f := publishedReports(suite.m.Step(Connected{Attempt: a, Err: errors.New("refused")}))
		failures = append(failures, f...)
		if i < trv.DefaultMaxRetries {
			suite.Empty(failures, "attempt %d MUST NOT report", i)
		}
		// link never opened: grace elapses straight to idle
		suite.Empty(suite.m.Step(Tick{}))
		suite.Empty(suite.m.Step(Tick{}))
		suite.Equal(Idle, suite.m.State())
	}

	suite.Len(failures, 1)
	suite.Equal(0, suite.m.Queue().Len())
	suite.Empty(suite.m.Step(Tick{}), "nothing left to dispatch")
}

func (suite *MachineTestSuite) TestRequeueLetsOtherValvesThrough() {
	suite.submit(trv.NewCommand(valveA, trv.KindBoost))
	suite.submit(trv.NewCommand(valveB, trv.KindBoost))

	a := suite.connect()
	suite.m.Step(Connected{Attempt: a, Err: errors.New("refused")})
	suite.m.Step(Tick{})
	suite.m.Step(Tick{})

	effects := suite.m.Step(Tick{})
	suite.Require().Len(effects, 1)
	open := effects[0].(Open)
	suite.Equal(valveB, open.Target, "failed head MUST move behind the other valve")
}

func (suite *MachineTestSuite) TestSingleInFlight() {
	// GOAL: Verify no second Open is issued while a link is open or a disconnect is pending
	suite.submit(trv.NewCommand(valveA, trv.KindBoost))
	suite.submit(trv.NewCommand(valveB, trv.KindBoost))

	a := suite.connect()
	suite.advanceToWrite(a)
	suite.m.Step(Written{Attempt: a})

	for i := 0; i < 3; i++ {
		for _, e := range suite.m.Step(Tick{}) {
			_, isOpen := e.(Open)
			suite.False(isOpen, "MUST NOT open while a command is in flight")
		}
	}

	suite.m.Step(Notified{Attempt: a, Data: statusAuto215})
	// grace tick 1
	suite.Empty(suite.m.Step(Tick{}))
	// grace tick 2 fires the disconnect, not a new dispatch
	suite.Equal([]Effect{Close{Attempt: a}}, suite.m.Step(Tick{}))
	// link still open while disconnecting
	suite.Empty(suite.m.Step(Tick{}))
	suite.m.Step(Disconnected{Attempt: a, Local: true})

	effects := suite.m.Step(Tick{})
	suite.Require().Len(effects, 1)
	suite.Equal(valveB, effects[0].(Open).Target)
}

func (suite *MachineTestSuite) TestStaleEventsAreIgnored() {
	suite.submit(trv.NewCommand(valveA, trv.KindBoost))
	a := suite.connect()

	suite.Empty(suite.m.Step(MTUExchanged{Attempt: a + 5, MTU: 64}))
	suite.Empty(suite.m.Step(Notified{Attempt: a, Data: statusAuto215}), "notification before the write MUST be ignored")
	suite.Empty(suite.m.Step(Disconnected{Attempt: a - 1}))
	suite.Equal(Connecting, suite.m.State())

	suite.Equal([]Effect{Close{Attempt: a + 7}}, suite.m.Step(Connected{Attempt: a + 7}),
		"orphan link from an abandoned attempt MUST be closed")
}

func (suite *MachineTestSuite) TestWatchdog() {
	// GOAL: Verify a radio operation that never calls back fails the command instead of stalling
	m := NewMachine(queue.New(queue.RequeueToTail), Options{StateTimeoutTicks: 3}, suite.logger)
	cmd := trv.NewCommand(valveA, trv.KindBoost)
	cmd.Retries = 1
	m.Step(Submit{Command: cmd})
	m.Step(Tick{})
	suite.Equal(Connecting, m.State())

	m.Step(Tick{})
	m.Step(Tick{})
	_, failures := publishedReports(m.Step(Tick{}))
	suite.Require().Len(failures, 1)
	reason, _ := failures[0].Get(trv.KeyError)
	suite.Equal(ReasonTimeout, reason)
	suite.Equal(Settling, m.State())
}

func (suite *MachineTestSuite) TestCoalescedSubmit() {
	suite.submit(trv.NewCommand(valveA, trv.KindBoost))
	effects := suite.m.Step(Submit{Command: trv.NewCommand(valveA, trv.KindBoost)})
	suite.Require().Len(effects, 1)
	suite.False(effects[0].(Enqueued).Accepted)
	suite.Equal(1, suite.m.Queue().Len())
}

func (suite *MachineTestSuite) TestTransportActions() {
	// GOAL: Verify transport actions share the single pacing slot with disconnects
	suite.m.Step(Schedule{Kind: pacing.StartTransport, Ticks: 2})
	suite.submit(trv.NewCommand(valveA, trv.KindBoost))

	a := suite.connect()
	suite.Equal([]Effect{StartTransport{}}, suite.m.Step(Tick{}))

	// a restart requested while a disconnect will be pending is deferred, not lost
	suite.m.Step(Connected{Attempt: a, Err: errors.New("refused")})
	suite.m.Step(Schedule{Kind: pacing.RestartTransport, Ticks: 1})
	p, _ := suite.m.Pending()
	suite.Equal(pacing.Disconnect, p.Kind)

	suite.Empty(suite.m.Step(Tick{}))
	suite.Empty(suite.m.Step(Tick{}), "the retry MUST wait for the disconnect")
	p, ok := suite.m.Pending()
	suite.True(ok)
	suite.Equal(pacing.RestartTransport, p.Kind)

	effects := suite.m.Step(Tick{})
	suite.Require().Len(effects, 2)
	suite.Equal(RestartTransport{}, effects[0])
	suite.Equal(valveA, effects[1].(Open).Target)
}

func (suite *MachineTestSuite) TestTransportRestartDoesNotHoldCommands() {
	// GOAL: Verify a long transport restart countdown neither delays commands nor keeps a link open
	//
	// TEST SCENARIO: restart pending for 300 ticks → submit → next tick opens → success → disconnect takes the slot → restart resumes

	suite.m.Step(Schedule{Kind: pacing.RestartTransport, Ticks: 300})
	suite.submit(trv.NewCommand(valveA, trv.KindLock))

	a := suite.connect()
	suite.advanceToWrite(a)
	suite.m.Step(Written{Attempt: a})
	suite.m.Step(Notified{Attempt: a, Data: statusAuto215})

	p, _ := suite.m.Pending()
	suite.Equal(pacing.Disconnect, p.Kind, "disconnect MUST NOT wait behind the restart")
	suite.False(suite.m.Drained())

	suite.tickUntilClosed(a)

	p, ok := suite.m.Pending()
	suite.Require().True(ok, "restart MUST survive the disconnect")
	suite.Equal(pacing.RestartTransport, p.Kind)
	suite.Equal(299, p.Countdown)
}
