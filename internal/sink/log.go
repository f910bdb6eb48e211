package sink

import (
	"bytes"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
)

// DefaultHistoryBytes bounds the in-memory activity log.
const DefaultHistoryBytes = 8 * 1024

// Log writes every report to logrus and keeps the most recent lines in a
// fixed-size ring buffer for the HTTP log view.
type Log struct {
	logger *logrus.Logger

	mu      sync.Mutex
	history *ringbuffer.RingBuffer
}

// NewLog creates a log sink retaining up to historyBytes of text.
func NewLog(logger *logrus.Logger, historyBytes int) *Log {
	if logger == nil {
		logger = logrus.New()
	}
	if historyBytes <= 0 {
		historyBytes = DefaultHistoryBytes
	}
	return &Log{
		logger:  logger,
		history: ringbuffer.New(historyBytes),
	}
}

func (l *Log) PublishStatus(report trv.Report) {
	entry := l.logger.WithField("trv", report.Target)
	if report.IsFailure() {
		reason, _ := report.Get(trv.KeyError)
		entry.WithField("error", reason).Warn("Valve command failed")
		return
	}
	entry.WithField("report", report.String()).Info("Valve status")
}

func (l *Log) PublishDeviceList(devices []device.Discovered) {
	l.logger.WithField("count", len(devices)).Info("Scan complete")
	for _, d := range devices {
		l.logger.WithFields(logrus.Fields{
			"address": d.Address,
			"name":    d.Name,
			"rssi":    d.RSSI,
		}).Debug("Discovered valve")
	}
}

// AppendLog records line in the history, evicting the oldest lines when full.
func (l *Log) AppendLog(line string) {
	line = strings.TrimRight(line, "\r\n")
	l.logger.WithField("line", line).Debug("Activity")

	data := []byte(line + "\n")
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := l.history.Capacity()
	if len(data) > capacity {
		data = data[len(data)-capacity:]
	}
	for l.history.Free() < len(data) {
		l.dropOldestLocked()
	}
	if _, err := l.history.Write(data); err != nil {
		l.logger.WithError(err).Debug("Activity history write failed")
	}
}

// History returns the retained lines, oldest first.
func (l *Log) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.history.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	read, _ := l.history.Read(buf)
	buf = buf[:read]
	// put the bytes back; reading is destructive
	_, _ = l.history.Write(buf)

	return strings.Split(string(bytes.TrimRight(buf, "\n")), "\n")
}

func (l *Log) dropOldestLocked() {
	for l.history.Length() > 0 {
		b, err := l.history.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}
