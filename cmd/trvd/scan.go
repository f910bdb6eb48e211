package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for radiator valves in range",
	Long: `Run one scan pass and list the valves that advertised during it.

Only devices advertising one of the configured names (CC-RT-M-BLE by
default) are listed, in the order they were first seen.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanNames    []string
	scanBlock    []string
	scanQuiet    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses scan.duration from the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanNames, "name", nil, "Advertised names to accept (default from the config)")
	scanCmd.Flags().StringSliceVar(&scanBlock, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Do not show progress or live discoveries")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if !slices.Contains([]string{"table", "json"}, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := cfg.Scan
	opts.Schedule = ""
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	if len(scanNames) > 0 {
		opts.Names = scanNames
	}
	opts.BlockList = append(opts.BlockList, scanBlock...)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := scanner.New(nil, &opts, nil, logger)
	if !s.Start(ctx) {
		return ErrScanNotStarted
	}

	var progress *ProgressPrinter
	if !scanQuiet {
		progress = NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for valves", "scanning", opts.Duration)
		progress.Start()
		defer progress.Stop()
	}

	if err := waitScan(ctx, s, opts.Duration, cmd.ErrOrStderr(), progress); err != nil {
		return err
	}
	if progress != nil {
		progress.Stop()
	}

	devices, _, _ := s.Devices()
	if scanFormat == "json" {
		return printDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return printDevicesTable(cmd.OutOrStdout(), devices)
}

// waitScan follows the scanner events until the pass completes. An interrupt
// ends the pass early; the valves seen so far are still listed.
func waitScan(ctx context.Context, s *scanner.Scanner, duration time.Duration, live io.Writer, progress *ProgressPrinter) error {
	interrupted := ctx.Done()
	// guards an adapter that never returns from Scan
	deadline := time.NewTimer(duration + 10*time.Second)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case scanner.EventComplete:
				return nil
			case scanner.EventFailed:
				return fmt.Errorf("scan failed: %w", ev.Err)
			case scanner.EventNew:
				if progress != nil {
					_, _ = fmt.Fprint(live, clearLineSequence)
					_, _ = fmt.Fprintf(live, "+ %s %s (%d dBm)\n", ev.Valve.Address, ev.Valve.Name, ev.Valve.RSSI)
				}
			}
		case <-interrupted:
			interrupted = nil
			if progress != nil {
				progress.SetPhase("finishing")
			}
		case <-deadline.C:
			return fmt.Errorf("scan did not complete: %w", device.ErrTimeout)
		}
	}
}

func printDevicesTable(out io.Writer, devices []device.Discovered) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No valves found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI")
	for _, d := range devices {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", d.Address, d.Name, d.RSSI)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d valve(s) found\n", len(devices))
	return err
}

func printDevicesJSON(out io.Writer, devices []device.Discovered) error {
	if devices == nil {
		devices = []device.Discovered{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}
