// Package events provides the device event log and per-instance session
// statistics. Both are fixed-capacity rings guarded by a single mutex so that
// producers on any goroutine can append without blocking the UI for long.
package events

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Severity classifies an event for display and notification routing.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

// String returns the display name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeveritySuccess:
		return "SUCCESS"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SystemInstance marks an event that is not tied to any configured instance.
const SystemInstance = -1

// maxMessageLen bounds stored messages; longer messages are truncated.
const maxMessageLen = 127

// DefaultCapacity is the event ring size.
const DefaultCapacity = 100

// Event is one entry in the device event log.
type Event struct {
	Severity  Severity
	Instance  int
	Message   string
	Timestamp time.Time
}

// Log is a fixed-capacity ring of events with overwrite-oldest semantics.
type Log struct {
	mu       sync.Mutex
	entries  []Event
	capacity int
	write    int
	count    int
	logger   *zap.Logger
	now      func() time.Time
}

// NewLog creates an event log with the given capacity.
func NewLog(capacity int, logger *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		entries:  make([]Event, capacity),
		capacity: capacity,
		logger:   logger.With(zap.String("subsystem", "events")),
		now:      time.Now,
	}
}

// Add appends an event, overwriting the oldest entry when the ring is full.
func (l *Log) Add(sev Severity, instance int, msg string) {
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}

	l.mu.Lock()
	l.entries[l.write] = Event{
		Severity:  sev,
		Instance:  instance,
		Message:   msg,
		Timestamp: l.now(),
	}
	l.write = (l.write + 1) % l.capacity
	if l.count < l.capacity {
		l.count++
	}
	l.mu.Unlock()

	l.logger.Debug("Event recorded",
		zap.String("severity", sev.String()),
		zap.Int("instance", instance),
		zap.String("message", msg))
}

// Addf appends a formatted event.
func (l *Log) Addf(sev Severity, instance int, format string, args ...interface{}) {
	l.Add(sev, instance, fmt.Sprintf(format, args...))
}

// Recent returns a copy of all stored events, newest first.
func (l *Log) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, l.count)
	for i := 0; i < l.count; i++ {
		// Walk backwards from the slot before the write cursor.
		idx := (l.write - 1 - i + l.capacity*2) % l.capacity
		out[i] = l.entries[idx]
	}
	return out
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Clear drops all stored events.
func (l *Log) Clear() {
	l.mu.Lock()
	l.write = 0
	l.count = 0
	l.mu.Unlock()
}
