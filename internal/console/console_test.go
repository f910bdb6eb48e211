package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/trv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.bug.st/serial"
	"golang.org/x/term"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	cmds     []trv.Command
	accepted bool
	err      error
}

func (s *recordingSubmitter) Submit(_ context.Context, cmd trv.Command) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return s.accepted, s.err
}

func (s *recordingSubmitter) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.cmds {
		out = append(out, c.String())
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestReader_Framing(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lf", "00:1A:22:03:AC:11 boost\n", []string{"00:1A:22:03:AC:11 boost"}},
		{"cr", "00:1A:22:03:AC:11 boost\r", []string{"00:1A:22:03:AC:11 boost"}},
		{"crlf pair", "00:1A:22:03:AC:11 lock\r\n00:1A:22:03:AC:22 unlock\r\n",
			[]string{"00:1A:22:03:AC:11 lock", "00:1A:22:03:AC:22 unlock"}},
		{"blank lines", "\n\r\n  \n00:1A:22:03:AC:11 auto\n", []string{"00:1A:22:03:AC:11 auto"}},
		{"unterminated tail", "00:1A:22:03:AC:11 auto", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{accepted: true}
			r := NewReader(strings.NewReader(tt.input), nil, false, sub, nil, quietLogger())
			require.NoError(t, r.Run(context.Background()))
			assert.Equal(t, tt.want, sub.requests())
		})
	}
}

func TestReader_EchoAndReplies(t *testing.T) {
	var out bytes.Buffer
	sub := &recordingSubmitter{accepted: true}
	r := NewReader(strings.NewReader("00:1A:22:03:AC:11 settemp 21.5\rbogus\r"), &out, true, sub, nil, quietLogger())
	require.NoError(t, r.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "00:1A:22:03:AC:11 settemp 21.5\rbogus\r", "input MUST be echoed verbatim")
	assert.Contains(t, text, "queued: 00:1A:22:03:AC:11 settemp 21.5")
	assert.Contains(t, text, "rejected: ")
	assert.Len(t, sub.requests(), 1, "malformed line MUST NOT be submitted")
}

func TestReader_CoalescedAndFailedSubmit(t *testing.T) {
	var out bytes.Buffer
	sub := &recordingSubmitter{}
	r := NewReader(strings.NewReader("00:1A:22:03:AC:11 boost\n"), &out, false, sub, nil, quietLogger())
	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "still pending: 00:1A:22:03:AC:11 boost")

	out.Reset()
	sub = &recordingSubmitter{err: errors.New("engine stopped")}
	r = NewReader(strings.NewReader("00:1A:22:03:AC:11 boost\n"), &out, false, sub, nil, quietLogger())
	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "error: engine stopped")
}

func TestReader_OverlongLineIsDiscarded(t *testing.T) {
	var out bytes.Buffer
	sub := &recordingSubmitter{accepted: true}
	input := strings.Repeat("x", MaxLine+10) + "\n00:1A:22:03:AC:11 unboost\n"
	r := NewReader(strings.NewReader(input), &out, false, sub, nil, quietLogger())
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{"00:1A:22:03:AC:11 unboost"}, sub.requests(), "framing MUST recover at the next terminator")
	assert.Contains(t, out.String(), "rejected: line longer than")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestReader_ReadError(t *testing.T) {
	r := NewReader(failingReader{}, nil, false, &recordingSubmitter{}, nil, quietLogger())
	assert.ErrorContains(t, r.Run(context.Background()), "device unplugged")
}

func TestReader_StopsOnCancel(t *testing.T) {
	tests := []struct {
		name string
		in   func(*os.File) io.Reader
	}{
		// Fd() leaves the descriptor in blocking mode, where Close cannot interrupt a read.
		{"blocking file", func(f *os.File) io.Reader { _ = f.Fd(); return f }},
		{"stdio", func(f *os.File) io.Reader { return stdio{in: f, out: io.Discard} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr, pw, err := os.Pipe()
			require.NoError(t, err)
			defer pw.Close()
			defer pr.Close()

			sub := &recordingSubmitter{accepted: true}
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- NewReader(tt.in(pr), nil, false, sub, nil, quietLogger()).Run(ctx) }()

			_, err = pw.Write([]byte("00:1A:22:03:AC:11 lock\n"))
			require.NoError(t, err)
			assert.Eventually(t, func() bool { return len(sub.requests()) == 1 }, 2*time.Second, 10*time.Millisecond)

			cancel()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(2 * time.Second):
				t.Fatal("reader MUST stop when its context ends even with nothing to read")
			}
		})
	}
}

type nopPort struct {
	io.Reader
	io.Writer
}

func (nopPort) Close() error { return nil }

func TestOpen_SerialPort(t *testing.T) {
	orig := PortFactory
	defer func() { PortFactory = orig }()

	var gotName string
	var gotMode *serial.Mode
	PortFactory = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		gotName, gotMode = name, mode
		return nopPort{}, nil
	}

	port, err := Open(Options{Device: "/dev/ttyUSB0"})
	require.NoError(t, err)
	require.NotNil(t, port)
	assert.Equal(t, "/dev/ttyUSB0", gotName)
	assert.Equal(t, 115200, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)

	PortFactory = func(string, *serial.Mode) (io.ReadWriteCloser, error) {
		return nil, errors.New("permission denied")
	}
	_, err = Open(Options{Device: "/dev/ttyUSB1", Baud: 9600})
	assert.ErrorContains(t, err, "/dev/ttyUSB1")
}

func TestOpen_PTY(t *testing.T) {
	port, err := Open(Options{PTY: true})
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer port.Close()

	p, ok := port.(*PTYPort)
	require.True(t, ok)
	require.NotEmpty(t, p.TTYName())

	tty, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()

	sub := &recordingSubmitter{accepted: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewReader(port, port, false, sub, nil, quietLogger()).Run(ctx) }()

	_, err = tty.Write([]byte("00:1A:22:03:AC:11 lock\r"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(sub.requests()) == 1 }, 2*time.Second, 10*time.Millisecond,
		"lines typed on the terminal side MUST reach the reader")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader MUST stop when its context ends")
	}
}

// PTYReaderSuite drives the reader through a pseudo-terminal the way a
// serial console delivers keystrokes.
type PTYReaderSuite struct {
	suite.Suite
	sub    *recordingSubmitter
	cancel context.CancelFunc
	done   chan error

	mu     sync.Mutex
	output bytes.Buffer
	ptmx   *os.File
}

func TestPTYReaderSuite(t *testing.T) {
	suite.Run(t, new(PTYReaderSuite))
}

func (suite *PTYReaderSuite) SetupTest() {
	suite.cancel = nil
	ptmx, tty, err := pty.Open()
	if err != nil {
		suite.T().Skipf("pty not available: %v", err)
	}
	_, err = term.MakeRaw(int(tty.Fd()))
	suite.Require().NoError(err)

	suite.ptmx = ptmx
	suite.sub = &recordingSubmitter{accepted: true}
	suite.output.Reset()

	go func() {
		buf := make([]byte, 512)
		for {
			n, err := ptmx.Read(buf)
			suite.mu.Lock()
			suite.output.Write(buf[:n])
			suite.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.done = make(chan error, 1)
	r := NewReader(tty, tty, true, suite.sub, nil, quietLogger())
	go func() { suite.done <- r.Run(ctx) }()
}

func (suite *PTYReaderSuite) TearDownTest() {
	if suite.cancel == nil {
		return
	}
	suite.cancel()
	_ = suite.ptmx.Close()
	select {
	case <-suite.done:
	case <-time.After(2 * time.Second):
		suite.Fail("reader MUST stop when its context ends")
	}
}

func (suite *PTYReaderSuite) written() string {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	return suite.output.String()
}

func (suite *PTYReaderSuite) TestTypedLines() {
	// GOAL: Verify keystrokes typed on a terminal become requests and are echoed back
	//
	// TEST SCENARIO: type two CR-terminated lines → both submitted in order → echo and confirmation visible

	_, err := suite.ptmx.Write([]byte("00:1A:22:03:AC:11 boost\r"))
	suite.Require().NoError(err)
	_, err = suite.ptmx.Write([]byte("00:1A:22:03:AC:22 offset -1.5\r"))
	suite.Require().NoError(err)

	suite.Eventually(func() bool { return len(suite.sub.requests()) == 2 }, 2*time.Second, 10*time.Millisecond)
	suite.Equal([]string{"00:1A:22:03:AC:11 boost", "00:1A:22:03:AC:22 offset -1.5"}, suite.sub.requests())

	suite.Eventually(func() bool {
		return strings.Contains(suite.written(), "queued: 00:1A:22:03:AC:22 offset -1.5")
	}, 2*time.Second, 10*time.Millisecond)
	suite.Contains(suite.written(), "00:1A:22:03:AC:11 boost\r")
}

func (suite *PTYReaderSuite) TestRejectedLine() {
	_, err := suite.ptmx.Write([]byte("12:34 settemp 21\n"))
	suite.Require().NoError(err)

	suite.Eventually(func() bool { return strings.Contains(suite.written(), "rejected: ") }, 2*time.Second, 10*time.Millisecond)
	suite.Empty(suite.sub.requests())
}
