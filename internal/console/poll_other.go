//go:build !linux && !darwin

package console

import (
	"context"
	"os"
)

// readFile falls back to a plain read; cancellation relies on closing f.
func readFile(ctx context.Context, f *os.File, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.Read(buf)
}
