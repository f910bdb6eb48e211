// Package console accepts request lines from a serial port or the process
// terminal, one request per CR or LF terminated line.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/srg/trvd/internal/groutine"
	"github.com/srg/trvd/internal/request"
	"github.com/srg/trvd/internal/trv"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// MaxLine bounds a request line; longer input is discarded up to the next terminator.
const MaxLine = 1023

// PortFactory opens a serial port (can be overridden in tests)
//
//nolint:revive // PortFactory name is intentional for test mocking
var PortFactory = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// Options select the line source.
type Options struct {
	Enabled bool `yaml:"enabled"`
	// Device is a serial port path; empty means stdin/stdout.
	Device string `yaml:"device"`
	// PTY serves the console on a new pseudo-terminal instead.
	PTY  bool `yaml:"pty"`
	Baud int  `default:"115200" yaml:"baud"`
	Echo bool `default:"true" yaml:"echo"`
}

// Submitter accepts parsed requests; dispatch.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd trv.Command) (bool, error)
}

// contextReader is an input whose reads end when ctx does.
type contextReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type stdio struct {
	in  *os.File
	out io.Writer
}

func (s stdio) Read(buf []byte) (int, error)  { return s.in.Read(buf) }
func (s stdio) Write(buf []byte) (int, error) { return s.out.Write(buf) }

func (s stdio) ReadContext(ctx context.Context, buf []byte) (int, error) {
	return readFile(ctx, s.in, buf)
}

// Close leaves the process streams open.
func (stdio) Close() error { return nil }

// Open returns the configured line source.
func Open(opts Options) (io.ReadWriteCloser, error) {
	if opts.PTY {
		p, err := OpenPTY()
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if opts.Device == "" {
		return stdio{in: os.Stdin, out: os.Stdout}, nil
	}
	baud := opts.Baud
	if baud <= 0 {
		baud = 115200
	}
	port, err := PortFactory(opts.Device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", opts.Device, err)
	}
	return port, nil
}

// PTYPort is the controller side of a pseudo-terminal; a terminal program
// attaches to TTYName.
type PTYPort struct {
	*os.File
	tty *os.File
}

// OpenPTY creates a pseudo-terminal pair with the terminal side in raw mode,
// so echo and line framing are left to the Reader.
func OpenPTY() (*PTYPort, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("failed to set PTY(tty) %s to raw mode: %w", tty.Name(), err)
	}
	return &PTYPort{File: ptmx, tty: tty}, nil
}

// TTYName is the device path to attach to, e.g. /dev/pts/3.
func (p *PTYPort) TTYName() string {
	return p.tty.Name()
}

func (p *PTYPort) ReadContext(ctx context.Context, buf []byte) (int, error) {
	return readFile(ctx, p.File, buf)
}

func (p *PTYPort) Close() error {
	err := p.File.Close()
	if tErr := p.tty.Close(); err == nil {
		err = tErr
	}
	return err
}

// Ports lists the serial ports present on this machine.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Reader frames lines from in and submits each one.
type Reader struct {
	in     io.Reader
	out    io.Writer
	echo   bool
	submit Submitter
	clock  request.Clock
	logger *logrus.Logger
}

// NewReader creates a reader. A nil out disables all output.
func NewReader(in io.Reader, out io.Writer, echo bool, submit Submitter, clock request.Clock, logger *logrus.Logger) *Reader {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reader{in: in, out: out, echo: echo, submit: submit, clock: clock, logger: logger}
}

// Run reads until ctx ends or the input is exhausted. Files and ports that
// support it are polled; any other closable input is closed to release a
// blocked read on shutdown.
func (r *Reader) Run(ctx context.Context) error {
	read, release := r.reader(ctx)
	defer release()

	var (
		buf      = make([]byte, 256)
		line     = make([]byte, 0, 64)
		overflow bool
	)
	for {
		n, err := read(buf)
		if n > 0 {
			if r.echo {
				_, _ = r.out.Write(buf[:n])
			}
			for _, b := range buf[:n] {
				if b != '\n' && b != '\r' {
					if len(line) >= MaxLine {
						overflow = true
						continue
					}
					line = append(line, b)
					continue
				}
				if overflow {
					r.logger.WithField("limit", MaxLine).Warn("Console line too long, discarded")
					fmt.Fprintf(r.out, "\r\nrejected: line longer than %d bytes\r\n", MaxLine)
				} else if len(line) > 0 {
					r.handle(ctx, string(line))
				}
				line = line[:0]
				overflow = false
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("console read: %w", err)
		}
	}
}

func (r *Reader) reader(ctx context.Context) (read func([]byte) (int, error), release func()) {
	switch in := r.in.(type) {
	case contextReader:
		return func(buf []byte) (int, error) { return in.ReadContext(ctx, buf) }, func() {}
	case *os.File:
		return func(buf []byte) (int, error) { return readFile(ctx, in, buf) }, func() {}
	}

	c, ok := r.in.(io.Closer)
	if !ok {
		return r.in.Read, func() {}
	}
	stop := make(chan struct{})
	groutine.Go(ctx, "console-closer", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	})
	return r.in.Read, func() { close(stop) }
}

func (r *Reader) handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	log := r.logger.WithField("request", line)

	cmd, err := request.Parse(line, r.clock)
	if err != nil {
		log.WithError(err).Warn("Rejected console request")
		fmt.Fprintf(r.out, "\r\nrejected: %v\r\n", err)
		return
	}
	accepted, err := r.submit.Submit(ctx, cmd)
	switch {
	case err != nil:
		log.WithError(err).Error("Failed to submit console request")
		fmt.Fprintf(r.out, "\r\nerror: %v\r\n", err)
	case accepted:
		fmt.Fprintf(r.out, "\r\nqueued: %s\r\n", cmd)
	default:
		fmt.Fprintf(r.out, "\r\nstill pending: %s\r\n", cmd)
	}
}
