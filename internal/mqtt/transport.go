// Package mqtt connects the valve controller to an MQTT broker. Requests
// arrive under /<id>radin/ and results leave under /<id>radout/.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/groutine"
	"github.com/srg/trvd/internal/pacing"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/internal/ringchan"
	"github.com/srg/trvd/internal/trv"
)

const (
	OfflineMessage = "Heating control offline"
	bannerFormat   = "Heating control v%s active"
	checkFormat    = "sw ver %s"
)

var (
	// ErrNotConfigured is returned by Start when the broker or the id is missing.
	ErrNotConfigured = errors.New("mqtt not configured")
	// ErrConnectTimeout is returned when the broker does not answer in time.
	ErrConnectTimeout = errors.New("mqtt connect timed out")
)

// ClientFactory creates the paho client (can be overridden in tests)
//
//nolint:revive // ClientFactory name is intentional for test mocking
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

// Options configure the broker connection.
type Options struct {
	Broker   string `yaml:"broker"`
	ID       string `yaml:"id"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	KeepAlive         time.Duration `default:"60s" yaml:"keep_alive"`
	ConnectTimeout    time.Duration `default:"10s" yaml:"connect_timeout"`
	PublishTimeout    time.Duration `default:"5s" yaml:"publish_timeout"`
	OutboxSize        int           `default:"64" yaml:"outbox_size"`
	StartDelayTicks   int           `default:"5" yaml:"start_delay_ticks"`
	RestartDelayTicks int           `default:"300" yaml:"restart_delay_ticks"`
}

// Enabled reports whether a broker is configured at all.
func (o Options) Enabled() bool {
	return o.Broker != ""
}

// State is the broker connection state shown on the status page.
type State int

const (
	NotConnected State = iota
	Connected
	ConfigError
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case ConfigError:
		return "config error"
	default:
		return "not connected"
	}
}

// Submitter accepts parsed requests; dispatch.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd trv.Command) (bool, error)
}

// ScanStarter starts a scan pass; scanner.Scanner satisfies it.
type ScanStarter interface {
	Start(ctx context.Context) bool
}

// Scheduler defers transport actions; dispatch.Engine satisfies it.
type Scheduler interface {
	Schedule(kind pacing.Kind, ticks int)
}

type message struct {
	topic   string
	payload string
}

// Transport is both a request source and a status sink. It implements
// sink.Sink and dispatch.TransportController.
type Transport struct {
	opts    Options
	version string
	logger  *logrus.Logger

	submit Submitter
	scan   ScanStarter
	sched  Scheduler
	clock  request.Clock

	inTopic  string
	outTopic string
	outbox   *ringchan.Ring[message]

	mu     sync.Mutex
	ctx    context.Context
	client paho.Client
	state  State
	up     chan struct{}
	pump   bool
}

// New creates a transport. Nothing connects until Start.
func New(opts Options, version string, submit Submitter, scan ScanStarter, sched Scheduler, clock request.Clock, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.RestartDelayTicks <= 0 {
		opts.RestartDelayTicks = 300
	}
	return &Transport{
		opts:     opts,
		version:  version,
		logger:   logger,
		submit:   submit,
		scan:     scan,
		sched:    sched,
		clock:    clock,
		inTopic:  "/" + opts.ID + "radin",
		outTopic: "/" + opts.ID + "radout",
		outbox:   ringchan.New[message](opts.OutboxSize),
		up:       make(chan struct{}),
	}
}

// BrokerURL returns the broker address with a scheme, defaulting to mqtt://.
func BrokerURL(broker string) string {
	if broker == "" || strings.Contains(broker, "://") {
		return broker
	}
	return "mqtt://" + broker
}

// State returns the connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start implements dispatch.TransportController.
func (t *Transport) Start(ctx context.Context) error {
	if t.opts.Broker == "" || t.opts.ID == "" {
		t.setState(ConfigError)
		t.logger.WithFields(logrus.Fields{
			"broker": t.opts.Broker,
			"id":     t.opts.ID,
		}).Error("MQTT broker and id must both be set")
		return ErrNotConfigured
	}

	t.mu.Lock()
	t.ctx = ctx
	if t.client == nil {
		t.client = ClientFactory(t.clientOptions())
	}
	client := t.client
	if !t.pump {
		t.pump = true
		groutine.Go(ctx, "mqtt-outbox", t.runOutbox)
	}
	t.mu.Unlock()

	log := t.logger.WithFields(logrus.Fields{
		"broker": BrokerURL(t.opts.Broker),
		"id":     t.opts.ID,
	})
	log.Info("Connecting to MQTT broker...")

	err := wait(client.Connect(), t.opts.ConnectTimeout, ErrConnectTimeout)
	if err != nil {
		t.setState(NotConnected)
		log.WithError(err).WithField("retry_ticks", t.opts.RestartDelayTicks).Warn("MQTT connect failed")
		if t.sched != nil {
			t.sched.Schedule(pacing.RestartTransport, t.opts.RestartDelayTicks)
		}
		return fmt.Errorf("connect %s: %w", BrokerURL(t.opts.Broker), err)
	}
	return nil
}

// Restart implements dispatch.TransportController.
func (t *Transport) Restart(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client != nil && client.IsConnected() {
		t.logger.Debug("MQTT already connected, restart skipped")
		return nil
	}
	return t.Start(ctx)
}

// Stop disconnects from the broker.
func (t *Transport) Stop() {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(250)
	}
	t.markDown()
}

func (t *Transport) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(BrokerURL(t.opts.Broker)).
		SetClientID(t.opts.ID).
		SetKeepAlive(t.opts.KeepAlive).
		SetConnectTimeout(t.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetWill(t.outTopic, OfflineMessage, 0, false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)
	if t.opts.User != "" {
		opts.SetUsername(t.opts.User)
		opts.SetPassword(t.opts.Password)
	}
	return opts
}

func (t *Transport) onConnect(client paho.Client) {
	t.logger.WithField("topic", t.inTopic+"/#").Info("MQTT connected, subscribing")

	if err := wait(client.Subscribe(t.inTopic+"/#", 0, t.onMessage), t.opts.PublishTimeout, ErrConnectTimeout); err != nil {
		t.logger.WithError(err).Error("MQTT subscribe failed")
	}
	banner := fmt.Sprintf(bannerFormat, t.version)
	if err := wait(client.Publish(t.outTopic+"/connect", 0, false, banner), t.opts.PublishTimeout, ErrConnectTimeout); err != nil {
		t.logger.WithError(err).Warn("Failed to publish connect banner")
	}

	t.mu.Lock()
	t.state = Connected
	select {
	case <-t.up:
	default:
		close(t.up)
	}
	t.mu.Unlock()
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.logger.WithError(err).Warn("MQTT connection lost")
	t.markDown()
}

func (t *Transport) markDown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Connected {
		t.state = NotConnected
	}
	select {
	case <-t.up:
		t.up = make(chan struct{})
	default:
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Transport) onMessage(client paho.Client, msg paho.Message) {
	topic := msg.Topic()
	log := t.logger.WithField("topic", topic)
	log.Debug("MQTT message received")

	ctx := t.runContext()

	if strings.Contains(topic, "/check") {
		reply := fmt.Sprintf(checkFormat, t.version)
		if err := wait(client.Publish(t.outTopic+"/checkresp", 0, false, reply), t.opts.PublishTimeout, ErrConnectTimeout); err != nil {
			log.WithError(err).Warn("Failed to answer check")
		}
	}

	if strings.Contains(topic, "/trv") {
		line := string(msg.Payload())
		cmd, err := request.Parse(line, t.clock)
		if err != nil {
			log.WithError(err).WithField("request", line).Warn("Rejected MQTT request")
		} else if t.submit != nil {
			if _, err := t.submit.Submit(ctx, cmd); err != nil {
				log.WithError(err).Error("Failed to submit MQTT request")
			}
		}
	}

	if strings.Contains(topic, "/scan") && t.scan != nil {
		t.scan.Start(ctx)
	}
}

func (t *Transport) runContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// PublishStatus implements sink.Sink.
func (t *Transport) PublishStatus(report trv.Report) {
	t.enqueue(t.outTopic+"/status", report.String())
}

// PublishDeviceList implements sink.Sink.
func (t *Transport) PublishDeviceList(devices []device.Discovered) {
	if devices == nil {
		devices = []device.Discovered{}
	}
	data, err := json.Marshal(devices)
	if err != nil {
		t.logger.WithError(err).Error("Failed to encode device list")
		return
	}
	t.enqueue(t.outTopic+"/devlist", string(data))
}

// AppendLog implements sink.Sink. The activity log is not mirrored to the broker.
func (t *Transport) AppendLog(string) {}

func (t *Transport) enqueue(topic, payload string) {
	if t.outbox.Push(message{topic: topic, payload: payload}) {
		t.logger.WithField("topic", topic).Warn("MQTT outbox full, dropped oldest message")
	}
}

// runOutbox publishes queued messages whenever the broker is reachable.
func (t *Transport) runOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-t.outbox.C():
			t.deliver(ctx, m)
		}
	}
}

func (t *Transport) deliver(ctx context.Context, m message) {
	for {
		t.mu.Lock()
		client, up := t.client, t.up
		t.mu.Unlock()

		select {
		case <-up:
		case <-ctx.Done():
			return
		}

		err := wait(client.Publish(m.topic, 0, false, m.payload), t.opts.PublishTimeout, ErrConnectTimeout)
		if err == nil {
			t.logger.WithField("topic", m.topic).Debug("MQTT message published")
			return
		}
		if client.IsConnected() {
			t.logger.WithError(err).WithField("topic", m.topic).Warn("MQTT publish failed, message dropped")
			return
		}
		t.markDown()
	}
}

func wait(tok paho.Token, timeout time.Duration, timeoutErr error) error {
	if !tok.WaitTimeout(timeout) {
		return timeoutErr
	}
	return tok.Error()
}
