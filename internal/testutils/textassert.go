package testutils

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of testing.T the asserters report through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions select the normalizations applied to both sides.
type TextAssertOptions struct {
	IgnoreLeadingWhitespace  bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
	// StripTerminalControl drops ANSI escapes and carriage-return redraws,
	// keeping what a terminal would finally show on each line.
	StripTerminalControl bool `default:"false"`
	EnableColors         bool `default:"false"`
}

// TextOption is a functional option for configuring TextAsserter
type TextOption func(*TextAssertOptions)

// TextAsserter compares command and console output line by line and reports
// mismatches as a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t *testing.T) *TextAsserter {
	return NewTextAsserterWithInterface(t)
}

func NewTextAsserterWithInterface(t TestingT) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// GetOptions returns a copy of the current options (for testing)
func (ta *TextAsserter) GetOptions() TextAssertOptions {
	return ta.options
}

// Assert compares actual text against expected text
func (ta *TextAsserter) Assert(actual, expected string) {
	if diff := ta.diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed:\n%s", diff)
	}
}

func (ta *TextAsserter) diff(actual, expected string) string {
	want, got := ta.normalize(expected), ta.normalize(actual)
	if want == got {
		return ""
	}
	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if ta.options.EnableColors {
		unified = colorize(unified)
	}
	return "unified diff:\n" + unified
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

func (ta *TextAsserter) normalize(text string) string {
	o := ta.options
	if o.StripTerminalControl {
		text = ansiEscape.ReplaceAllString(text, "")
	}
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if o.StripTerminalControl {
			if i := strings.LastIndexByte(strings.TrimRight(line, "\r"), '\r'); i >= 0 {
				line = line[i+1:]
			}
			line = strings.TrimRight(line, "\r")
		}
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if o.IgnoreLeadingWhitespace {
			line = strings.TrimLeft(line, " \t")
		}
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// colorize paints a unified diff and makes whitespace in changed lines visible
// as · for spaces and → for tabs.
func colorize(diff string) string {
	paint := func(attr color.Attribute) *color.Color {
		c := color.New(attr)
		c.EnableColor()
		return c
	}
	header, hunk, del, add := paint(color.FgYellow), paint(color.FgCyan), paint(color.FgRed), paint(color.FgGreen)
	visible := strings.NewReplacer(" ", "·", "\t", "→")

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			lines[i] = header.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = hunk.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = del.Sprint(visible.Replace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = add.Sprint(visible.Replace(line))
		}
	}
	return strings.Join(lines, "\n")
}

func WithIgnoreLeadingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreLeadingWhitespace = ignore }
}

func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreTrailingWhitespace = ignore }
}

func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreEmptyLines = ignore }
}

// WithTrimSpace trims the whole text before splitting it into lines
func WithTrimSpace(trim bool) TextOption {
	return func(opts *TextAssertOptions) { opts.TrimSpace = trim }
}

// WithStripTerminalControl enables TextAssertOptions.StripTerminalControl
func WithStripTerminalControl(strip bool) TextOption {
	return func(opts *TextAssertOptions) { opts.StripTerminalControl = strip }
}

func WithEnableColors(enable bool) TextOption {
	return func(opts *TextAssertOptions) { opts.EnableColors = enable }
}
