//go:build linux || darwin

package console

import (
	"context"
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long a read waits before checking for cancellation.
const pollTimeoutMs = 50

// readFile reads f once it is readable, returning early when ctx ends. Closing
// f does not interrupt a descriptor that Fd() switched to blocking mode, so
// the wait happens in poll.
func readFile(ctx context.Context, f *os.File, buf []byte) (int, error) {
	fd := int(f.Fd())
	if fd < 0 {
		return 0, os.ErrClosed
	}
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := unix.Poll(pollFd, pollTimeoutMs)
		switch {
		case errors.Is(err, syscall.EINTR):
			continue
		case err != nil:
			return 0, err
		case n == 0:
			continue
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if pollFd[0].Revents&unix.POLLNVAL != 0 {
			return 0, os.ErrClosed
		}
		return f.Read(buf)
	}
}
