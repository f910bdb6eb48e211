package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/trvd/internal/console"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/dispatch"
	"github.com/srg/trvd/internal/queue"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/internal/sink"
	"github.com/srg/trvd/internal/trv"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <request>...",
	Short: "Deliver requests once and print the resulting status",
	Long: `Queue each request, deliver them over BLE one valve at a time and print the
status reports as they come back. Each argument is a full request line;
use "-" to read further lines from stdin.

Exits with an error when any request ends with a failure report.`,
	Example: `  trvd send "00:1A:22:03:AC:11 settemp 21.5" "00:1A:22:03:AC:22 boost"
  echo "00:1A:22:03:AC:11 lock" | trvd send -`,
	RunE: runSend,
}

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 2*time.Minute, "Give up when the queue has not drained after this long")
}

// outcome counts the reports a send produced.
type outcome struct {
	mu       sync.Mutex
	reports  int
	failures int
}

func (o *outcome) PublishStatus(report trv.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports++
	if report.IsFailure() {
		o.failures++
	}
}

func (o *outcome) PublishDeviceList([]device.Discovered) {}
func (o *outcome) AppendLog(string)                      {}

func (o *outcome) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reports, o.failures
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	clock := cfg.Clock.RequestClock()

	fromStdin := false
	var cmds []trv.Command
	for _, line := range args {
		if line == "-" {
			fromStdin = true
			continue
		}
		c, err := request.Parse(line, clock)
		if err != nil {
			return err
		}
		cmds = append(cmds, c)
	}
	if len(cmds) == 0 && !fromStdin {
		return ErrNoRequests
	}

	logger := configureLogger(cmd, cfg)
	cmd.SilenceUsage = true

	hw, err := HardwareFactory(cfg, logger)
	if err != nil {
		return err
	}
	defer hw.Close()

	result := &outcome{}
	reports := sink.NewMulti(sink.NewConsole(cmd.OutOrStdout()), result)
	m := dispatch.NewMachine(queue.New(cfg.Dispatch.Policy()), cfg.Dispatch.MachineOptions(), logger)
	engine := dispatch.NewEngine(m, hw.Radio, reports, cfg.Dispatch.EngineOptions(), logger)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, sendTimeout)
	defer cancel()

	runCtx, stopEngine := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()
	defer func() {
		stopEngine()
		<-done
	}()

	for _, c := range cmds {
		if _, err := engine.Submit(ctx, c); err != nil {
			return err
		}
	}
	if fromStdin {
		r := console.NewReader(cmd.InOrStdin(), cmd.ErrOrStderr(), false, engine, clock, logger)
		if err := r.Run(ctx); err != nil {
			return err
		}
	}

	if err := engine.WaitDrained(ctx); err != nil {
		return fmt.Errorf("waiting for delivery: %w", err)
	}

	total, failed := result.counts()
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d report(s) were failures", ErrDeliveryFailed, failed, total)
	}
	return nil
}
