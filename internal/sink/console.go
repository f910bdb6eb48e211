package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
	"golang.org/x/term"
)

// Console prints reports for a human watching a terminal or serial console.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	ok   *color.Color
	fail *color.Color
	dim  *color.Color
}

// NewConsole writes to out. Colour is enabled only when out is a terminal.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	c := &Console{
		out:  out,
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed, color.Bold),
		dim:  color.New(color.FgHiBlack),
	}
	if !isTerminal(out) {
		c.ok.DisableColor()
		c.fail.DisableColor()
		c.dim.DisableColor()
	}
	return c
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *Console) PublishStatus(report trv.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if report.IsFailure() {
		_, _ = c.fail.Fprintln(c.out, report.String())
		return
	}
	_, _ = c.ok.Fprintln(c.out, report.String())
}

func (c *Console) PublishDeviceList(devices []device.Discovered) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, "%d valve(s) found\n", len(devices))
	for _, d := range devices {
		_, _ = fmt.Fprintf(c.out, "  %s  %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
	}
}

func (c *Console) AppendLog(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.dim.Fprintln(c.out, line)
}

// Echo writes a producer-facing message such as a parse error.
func (c *Console) Echo(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}
