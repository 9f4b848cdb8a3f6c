package testutils

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewTestHelper creates a test helper whose logger runs at debug level and also records
// every line so tests can assert on warnings.
func NewTestHelper(t *testing.T) *TestHelper {
	h := &TestHelper{T: t}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	logger.SetOutput(&teeWriter{h: h})
	h.Logger = logger
	return h
}

// Logs returns everything logged so far
func (h *TestHelper) Logs() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.String()
}

// ResetLogs discards recorded log output
func (h *TestHelper) ResetLogs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
}

// CountLogs counts log lines containing substr
func (h *TestHelper) CountLogs(substr string) int {
	n := 0
	for _, line := range strings.Split(h.Logs(), "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type teeWriter struct {
	h *TestHelper
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.h.mu.Lock()
	w.h.buf.Write(p)
	w.h.mu.Unlock()
	return os.Stderr.Write(p)
}

// NewIdentity builds a marked identity of type t whose unique id starts with uid0.
// The derived bus address is therefore 0x08 + uid0 % 0x70.
func NewIdentity(t device.Type, uid0 byte) device.Identity {
	return device.NewIdentity(t, [8]byte{uid0, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70})
}

// LoadScript reads a file relative to the project root (the directory holding go.mod)
func LoadScript(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return string(data), nil
}
