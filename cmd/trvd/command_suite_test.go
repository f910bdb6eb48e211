package main

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/trvd/internal/testutils"
	"github.com/srg/trvd/pkg/config"
)

// Valve addresses used across the command tests
const (
	TestValve1 = "00:1A:22:03:AC:11"
	TestValve2 = "00:1A:22:03:AC:22"
)

// fastConfig ticks quickly so a full delivery takes milliseconds.
const fastConfig = `
log_level: error
dispatch:
  tick_interval: 5ms
  grace_ticks: 1
scan:
  duration: 50ms
http:
  enabled: false
`

// CommandTestSuite extends MockScannerSuite with a fake radio behind
// HardwareFactory and command execution helpers.
// All cmd/trvd test suites should embed this.
type CommandTestSuite struct {
	testutils.MockScannerSuite

	Radio                   *testutils.FakeRadio
	originalHardwareFactory func(*config.Config, *logrus.Logger) (*hardware, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.MockScannerSuite.SetupTest()
	resetCommandFlags()

	s.Radio = testutils.NewFakeRadio()
	s.originalHardwareFactory = HardwareFactory
	radio, scanning := s.Radio, s.Device
	HardwareFactory = func(*config.Config, *logrus.Logger) (*hardware, error) {
		return &hardware{Radio: radio, Scanner: scanning, Close: func() {}}, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	HardwareFactory = s.originalHardwareFactory
	s.Radio.Wait()
	s.MockScannerSuite.TearDownTest()
}

// Config writes a config file and returns its path.
func (s *CommandTestSuite) Config(content string) string {
	return s.Helper.WriteFile("trvd.yaml", content)
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	defer cmd.SetIn(nil)
	err := cmd.Execute()
	return buf.String(), err
}

// resetCommandFlags restores flag variables between executions; cobra keeps
// the last parsed value of any flag not given again.
func resetCommandFlags() {
	_ = rootCmd.PersistentFlags().Set("config", "")
	_ = rootCmd.PersistentFlags().Set("log-level", "")
	scanDuration = 0
	scanFormat = "table"
	scanNames = nil
	scanBlock = nil
	scanQuiet = false
	sendTimeout = 2 * time.Minute
	runScanOnStart = true
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakePort is a serial port whose input is fed by the test.
type fakePort struct {
	*io.PipeReader
	out *syncBuffer
}

func newFakePort() (*fakePort, *io.PipeWriter) {
	r, w := io.Pipe()
	return &fakePort{PipeReader: r, out: &syncBuffer{}}, w
}

func (p *fakePort) Write(b []byte) (int, error) { return p.out.Write(b) }
