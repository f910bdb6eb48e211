package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the valve controller",
	Long: `Run the controller until interrupted.

Requests arrive over MQTT, the HTTP page/API and the console, all feeding the
same queue. Commands are delivered to one valve at a time over BLE and the
resulting status is published to every configured sink.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var runScanOnStart bool

func init() {
	runCmd.Flags().BoolVar(&runScanOnStart, "scan", true, "Scan for valves once on startup")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hw, err := HardwareFactory(cfg, logger)
	if err != nil {
		return err
	}
	defer hw.Close()

	d, err := newDaemon(cfg, hw, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	return d.Run(ctx, runScanOnStart)
}
