package testutils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles the per-test logger and scratch files.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper whose logger runs at debug level so a
// failing test shows the state machine transitions.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{T: t, Logger: logger}
}

// CreateMockAdvertisement starts an advertisement builder with the usual identity fields.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// WriteFile writes content to name inside a per-test temp dir and returns the path.
func (h *TestHelper) WriteFile(name, content string) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.T.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// LoadFixture reads relPath from the module root, found by walking up to go.mod.
func LoadFixture(relPath string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("module root not found above " + relPath)
		}
		dir = parent
	}

	data, err := os.ReadFile(filepath.Join(dir, relPath))
	if err != nil {
		return "", fmt.Errorf("failed to read fixture: %w", err)
	}
	return string(data), nil
}
