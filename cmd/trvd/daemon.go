package main

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/console"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/internal/groutine"
	"github.com/srg/trvd/internal/httpapi"
	"github.com/srg/trvd/internal/mqtt"
	"github.com/srg/trvd/internal/pacing"
	"github.com/srg/trvd/internal/queue"
	"github.com/srg/trvd/internal/sink"
	"github.com/srg/trvd/pkg/config"
	"github.com/srg/trvd/scanner"
)

// daemon is the long-running controller: one engine fed by every enabled producer.
type daemon struct {
	cfg    *config.Config
	logger *logrus.Logger

	history   *sink.Log
	sinks     *sink.Multi
	engine    *dispatch.Engine
	scanner   *scanner.Scanner
	transport *mqtt.Transport
	http      *httpapi.Server
	console   *console.Reader
	port      io.Closer
}

func newDaemon(cfg *config.Config, hw *hardware, out io.Writer, logger *logrus.Logger) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		history: sink.NewLog(logger, cfg.LogHistoryBytes),
	}
	d.sinks = sink.NewMulti(d.history)

	clock := cfg.Clock.RequestClock()
	scanOpts := cfg.Scan
	d.scanner = scanner.New(hw.Scanner, &scanOpts, d.sinks, logger)

	m := dispatch.NewMachine(queue.New(cfg.Dispatch.Policy()), cfg.Dispatch.MachineOptions(), logger)
	d.engine = dispatch.NewEngine(m, hw.Radio, d.sinks, cfg.Dispatch.EngineOptions(), logger)

	if cfg.MQTT.Enabled() {
		d.transport = mqtt.New(cfg.MQTT, version, d.engine, d.scanner, d.engine, clock, logger)
		d.sinks.Add(d.transport)
		d.engine.SetTransport(d.transport)
	}

	if cfg.HTTP.Enabled {
		deps := httpapi.Deps{
			Engine:  d.engine,
			Scanner: d.scanner,
			Log:     d.history,
			Clock:   clock,
			Version: version,
		}
		if d.transport != nil {
			deps.Broker = func() httpapi.Stater { return d.transport.State() }
		}
		d.http = httpapi.New(deps, cfg.HTTP.Options, logger)
	}

	if cfg.Console.Enabled {
		port, err := console.Open(cfg.Console)
		if err != nil {
			return nil, err
		}
		d.port = port
		if p, ok := port.(*console.PTYPort); ok {
			logger.WithField("tty", p.TTYName()).Info("Console available on pseudo-terminal")
		}
		d.console = console.NewReader(port, port, cfg.Console.Echo, d.engine, clock, logger)
		// reports are printed where requests are typed
		d.sinks.Add(sink.NewConsole(port))
	} else if out != nil {
		d.sinks.Add(sink.NewConsole(out))
	}
	return d, nil
}

// Run starts every producer and blocks until ctx ends or a producer fails.
func (d *daemon) Run(ctx context.Context, scanOnStart bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		workers groutine.Group
		errs    = make(chan error, 4)
	)
	fail := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		d.logger.WithError(err).WithField("component", name).Error("Component stopped")
		errs <- err
	}

	workers.Go(ctx, "dispatch-engine", func(ctx context.Context) {
		fail("engine", d.engine.Run(ctx))
	})

	if d.transport != nil {
		d.engine.Schedule(pacing.StartTransport, d.cfg.MQTT.StartDelayTicks)
		defer d.transport.Stop()
	}

	if err := d.scanner.StartSchedule(ctx); err != nil {
		return err
	}
	if scanOnStart {
		d.scanner.Start(ctx)
	}

	if d.http != nil {
		workers.Go(ctx, "http-server", func(ctx context.Context) {
			fail("http", d.http.Run(ctx))
		})
	}
	if d.console != nil {
		workers.Go(ctx, "console-reader", func(ctx context.Context) {
			fail("console", d.console.Run(ctx))
		})
	}

	d.logger.WithFields(logrus.Fields{
		"version": version,
		"mqtt":    d.transport != nil,
		"http":    d.http != nil,
		"console": d.console != nil,
	}).Info("Heating control active")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	cancel()
	workers.Wait()
	if d.port != nil {
		_ = d.port.Close()
	}
	return err
}
