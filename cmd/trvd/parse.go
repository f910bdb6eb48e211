package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/internal/trv"
)

// parseCmd represents the parse command
var parseCmd = &cobra.Command{
	Use:   "parse <address> <verb> [value]",
	Short: "Parse a request and show the bytes it would write",
	Long: `Parse a request line exactly as the MQTT, HTTP and console producers do and
print the command it becomes along with the payload written to the valve.
No Bluetooth adapter is needed.

Verbs: ` + strings.Join(request.Verbs, ", "),
	Example: `  trvd parse 00:1A:22:03:AC:11 settemp 21.5
  trvd parse "00:1A:22:03:AC:11 settime 1a0a13120000"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func runParse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	line := strings.Join(args, " ")
	c, err := request.Parse(line, cfg.Clock.RequestClock())
	if err != nil {
		return err
	}
	payload, err := trv.Encode(c)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "request: %s\n", c)
	_, _ = fmt.Fprintf(out, "target:  %s\n", c.Target)
	_, _ = fmt.Fprintf(out, "kind:    %s\n", c.Kind)
	_, _ = fmt.Fprintf(out, "payload: % x\n", payload)
	return nil
}
