// Package conn tracks per-instance connection state fused from REST poll
// outcomes and the push channel. Transitions are gated by hysteresis so a
// single dropped request does not demote a healthy instance.
package conn

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/events"
)

// State is the connection state of one instance.
type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

// String returns the display name of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "INVALID"
	}
}

const (
	// DefaultFailureThreshold is the number of consecutive poll failures
	// before a CONNECTED instance is demoted.
	DefaultFailureThreshold = 3
	// DefaultRecoveryThreshold is the number of consecutive successes
	// before a DISCONNECTED instance is promoted.
	DefaultRecoveryThreshold = 1
)

// Info is a point-in-time copy of one instance's connection bookkeeping.
type Info struct {
	State           State
	WSConnected     bool
	StaticDataReady bool
	LastConnected   time.Time
	LastTransition  time.Time
	ConsecSuccesses int
	ConsecFailures  int
}

// Reachable reports whether the instance is usable for display.
func (i Info) Reachable() bool { return i.State == StateConnected }

// Ready reports whether the instance is reachable and its static data has
// been fetched at least once.
func (i Info) Ready() bool { return i.Reachable() && i.StaticDataReady }

// Tracker holds connection state for all instances.
type Tracker struct {
	mu        sync.RWMutex
	instances []Info

	failureThreshold  int
	recoveryThreshold int

	log    *events.Log
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithThresholds overrides the hysteresis thresholds.
func WithThresholds(failure, recovery int) Option {
	return func(t *Tracker) {
		if failure > 0 {
			t.failureThreshold = failure
		}
		if recovery > 0 {
			t.recoveryThreshold = recovery
		}
	}
}

// NewTracker creates a tracker for the given number of instances.
func NewTracker(instances int, log *events.Log, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		instances:         make([]Info, instances),
		failureThreshold:  DefaultFailureThreshold,
		recoveryThreshold: DefaultRecoveryThreshold,
		log:               log,
		logger:            logger.With(zap.String("subsystem", "conn")),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetConnecting marks an instance as attempting its first contact. Only
// meaningful from UNKNOWN; other states are left alone.
func (t *Tracker) SetConnecting(instance int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(instance) {
		return
	}
	if t.instances[instance].State == StateUnknown {
		t.transition(instance, StateConnecting)
	}
}

// ReportPoll records one REST poll outcome and applies the hysteresis rules.
func (t *Tracker) ReportPoll(instance int, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(instance) {
		return
	}

	info := &t.instances[instance]
	if success {
		info.ConsecSuccesses++
		info.ConsecFailures = 0
		info.LastConnected = t.now()

		switch info.State {
		case StateUnknown, StateConnecting:
			// First successful poll connects immediately.
			t.transition(instance, StateConnected)
		case StateDisconnected:
			if info.ConsecSuccesses >= t.recoveryThreshold {
				t.transition(instance, StateConnected)
			}
		}
		return
	}

	info.ConsecFailures++
	info.ConsecSuccesses = 0
	if info.State == StateConnected && info.ConsecFailures >= t.failureThreshold {
		t.transition(instance, StateDisconnected)
	}
}

// ReportWS records the push channel's connected flag. Independent of State.
func (t *Tracker) ReportWS(instance int, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(instance) {
		return
	}
	t.instances[instance].WSConnected = connected
}

// SetStaticDataReady marks whether the one-time static fetch has completed.
func (t *Tracker) SetStaticDataReady(instance int, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(instance) {
		return
	}
	t.instances[instance].StaticDataReady = ready
}

// Reset returns an instance to UNKNOWN, clearing all counters. Used when the
// instance's URL or enable flag changes.
func (t *Tracker) Reset(instance int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(instance) {
		return
	}
	t.instances[instance] = Info{LastTransition: t.now()}
}

// State returns the instance's current state.
func (t *Tracker) State(instance int) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(instance) {
		return StateUnknown
	}
	return t.instances[instance].State
}

// Info returns a copy of the instance's connection bookkeeping.
func (t *Tracker) Info(instance int) Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(instance) {
		return Info{}
	}
	return t.instances[instance]
}

// ConnectedCount returns how many instances are currently CONNECTED.
func (t *Tracker) ConnectedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.instances {
		if t.instances[i].State == StateConnected {
			n++
		}
	}
	return n
}

func (t *Tracker) valid(instance int) bool {
	return instance >= 0 && instance < len(t.instances)
}

// transition must be called with the write lock held.
func (t *Tracker) transition(instance int, to State) {
	from := t.instances[instance].State
	if from == to {
		return
	}
	t.instances[instance].State = to
	t.instances[instance].LastTransition = t.now()

	t.logger.Info("Connection state changed",
		zap.Int("instance", instance),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	if t.log == nil {
		return
	}
	switch to {
	case StateConnected:
		t.log.Addf(events.SeveritySuccess, instance, "Instance %d connected", instance+1)
	case StateDisconnected:
		t.log.Addf(events.SeverityError, instance, "Instance %d disconnected", instance+1)
	}
}
