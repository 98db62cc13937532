// Package notify turns snapshot readings into alerts and bridges the device
// to Home Assistant over MQTT.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/events"
	"github.com/unklstewy/nina-display/internal/status"
	"github.com/unklstewy/nina-display/pkg/mqtt"
)

// alertCooldown suppresses repeat alerts of the same type per instance.
const alertCooldown = 30 * time.Second

type alertType int

const (
	alertRMS alertType = iota
	alertHFR
	alertSafety
	numAlertTypes
)

// Router evaluates snapshots against the configured thresholds and raises
// events on band transitions. It also owns the optional MQTT bridge.
type Router struct {
	cfg     *config.Store
	log     *events.Log
	logger  *zap.Logger
	version string

	// OnReboot runs when Home Assistant presses the reboot button. Optional.
	OnReboot func()
	// OnAlertFlash pulses the panel on warning and error alerts when the
	// alert flash setting is on. Optional.
	OnAlertFlash func(instance int, severity events.Severity)

	mu         sync.Mutex
	client     *mqtt.Client
	topics     mqtt.Topics
	lastRMS    [config.NumInstances]config.Band
	lastHFR    [config.NumInstances]config.Band
	lastSafety [config.NumInstances]status.SafetyState
	lastAlert  [config.NumInstances][numAlertTypes]time.Time
	now        func() time.Time
}

// NewRouter wires a router. version is reported in the HA device block.
func NewRouter(cfg *config.Store, log *events.Log, version string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:     cfg,
		log:     log,
		logger:  logger.With(zap.String("subsystem", "notify")),
		version: version,
		now:     time.Now,
	}
}

// Evaluate inspects one freshly built snapshot. Safe for the scheduler's
// worker goroutine.
func (r *Router) Evaluate(instance int, snap status.Snapshot) {
	if instance < 0 || instance >= config.NumInstances {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evalBand(instance, alertRMS, r.cfg.RMSBand(snap.RMSTotal, instance), &r.lastRMS[instance],
		"Guiding recovered: RMS %.2f\"", "Guiding elevated: RMS %.2f\"", "Guiding degraded: RMS %.2f\"",
		snap.RMSTotal)
	r.evalBand(instance, alertHFR, r.cfg.HFRBand(snap.HFR, instance), &r.lastHFR[instance],
		"Focus recovered: HFR %.2f", "Focus elevated: HFR %.2f", "Focus degraded: HFR %.2f",
		snap.HFR)
	r.evalSafety(instance, snap.Safety)
}

// ResetInstance clears alert state when an instance is reconfigured.
func (r *Router) ResetInstance(instance int) {
	if instance < 0 || instance >= config.NumInstances {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRMS[instance] = config.BandUnknown
	r.lastHFR[instance] = config.BandUnknown
	r.lastSafety[instance] = status.SafetyUnknown
	for t := alertType(0); t < numAlertTypes; t++ {
		r.lastAlert[instance][t] = time.Time{}
	}
}

// evalBand emits an event when the band changes. Transitions into unknown
// (sensor lost) update state silently.
func (r *Router) evalBand(instance int, t alertType, band config.Band, last *config.Band, goodMsg, okMsg, badMsg string, value float64) {
	prev := *last
	if band == prev {
		return
	}
	*last = band
	if band == config.BandUnknown {
		return
	}
	// First reading straight into the good band is not news.
	if prev == config.BandUnknown && band == config.BandGood {
		return
	}
	if !r.cooldownExpired(instance, t) {
		return
	}

	var severity events.Severity
	var msg string
	switch band {
	case config.BandGood:
		severity, msg = events.SeveritySuccess, goodMsg
	case config.BandOK:
		severity, msg = events.SeverityWarning, okMsg
	default:
		severity, msg = events.SeverityError, badMsg
	}
	r.emit(instance, t, severity, msg, value)
}

func (r *Router) evalSafety(instance int, safety status.SafetyState) {
	prev := r.lastSafety[instance]
	if safety == prev {
		return
	}
	r.lastSafety[instance] = safety
	if safety == status.SafetyUnknown || !r.cooldownExpired(instance, alertSafety) {
		return
	}
	if safety == status.SafetyUnsafe {
		r.emitPlain(instance, alertSafety, events.SeverityError, "Unsafe conditions reported")
	} else if prev == status.SafetyUnsafe {
		r.emitPlain(instance, alertSafety, events.SeveritySuccess, "Conditions safe again")
	}
}

func (r *Router) cooldownExpired(instance int, t alertType) bool {
	last := r.lastAlert[instance][t]
	return last.IsZero() || r.now().Sub(last) >= alertCooldown
}

func (r *Router) emit(instance int, t alertType, severity events.Severity, format string, value float64) {
	r.lastAlert[instance][t] = r.now()
	r.log.Addf(severity, instance, format, value)
	r.flash(instance, severity)
}

func (r *Router) emitPlain(instance int, t alertType, severity events.Severity, msg string) {
	r.lastAlert[instance][t] = r.now()
	r.log.Addf(severity, instance, "%s", msg)
	r.flash(instance, severity)
}

func (r *Router) flash(instance int, severity events.Severity) {
	if r.OnAlertFlash == nil || severity < events.SeverityWarning {
		return
	}
	if !r.cfg.Snapshot().AlertFlashEnabled {
		return
	}
	r.OnAlertFlash(instance, severity)
}
