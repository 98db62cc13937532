package status

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/events"
	"github.com/unklstewy/nina-display/internal/nina"
)

// meridianWarnSeconds is how close the meridian flip must be before a
// warning event fires.
const meridianWarnSeconds = 300

// Hints carries push channel observations into the next build. The push
// channel never writes snapshot fields directly.
type Hints struct {
	// NewImage marks that an image-save event arrived since the last cycle.
	NewImage bool
	// ImageExposureS is the exposure duration reported with the image-save
	// event, 0 when absent.
	ImageExposureS float64
	// FilterChanged is the filter name from a filter wheel change event,
	// "" when none arrived. It overrides the polled value for the cycle.
	FilterChanged string
	// SafetyKnown marks that a safety reading arrived; SafetySafe carries it.
	SafetyKnown bool
	SafetySafe  bool
	// DitherKnown marks that a guider dither transition arrived; Dithering
	// carries the new state.
	DitherKnown bool
	Dithering   bool
}

// Builder reconciles poll outcomes into published snapshots.
type Builder struct {
	store  *Store
	cfg    *config.Store
	log    *events.Log
	stats  *events.Stats
	logger *zap.Logger

	filtersSynced []bool
	lastSafety    []SafetyState
	meridianWarn  []bool
	now           func() time.Time
}

// NewBuilder creates a builder publishing into store.
func NewBuilder(store *Store, cfg *config.Store, log *events.Log, stats *events.Stats, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := config.NumInstances
	return &Builder{
		store:         store,
		cfg:           cfg,
		log:           log,
		stats:         stats,
		logger:        logger.With(zap.String("subsystem", "status")),
		filtersSynced: make([]bool, n),
		lastSafety:    make([]SafetyState, n),
		meridianWarn:  make([]bool, n),
		now:           time.Now,
	}
}

// Apply reconciles one poll outcome plus accumulated push hints into the
// instance's snapshot and publishes it. The previous snapshot's safety state
// carries forward when no fresh reading arrived.
func (b *Builder) Apply(instance int, out *nina.PollOutcome, hints Hints) Snapshot {
	prev := b.store.Get(instance)

	snap := Snapshot{
		ProfileName:           out.ProfileName,
		Target:                out.Target,
		ContainerName:         out.ContainerName,
		ContainerStep:         out.ContainerStep,
		Filter:                out.Filter,
		SequenceRunning:       out.SequenceRunning,
		ExposureTotalS:        out.ExposureTotalS,
		IterationCurrent:      out.IterationCurrent,
		IterationTotal:        out.IterationTotal,
		LoopRemaining:         out.LoopRemaining,
		LoopRemainingLabel:    out.LoopRemainingLabel,
		RMSRA:                 sane(out.RMSRA, 0, 60),
		RMSDec:                sane(out.RMSDec, 0, 60),
		RMSTotal:              sane(out.RMSTotal, 0, 60),
		HFR:                   sane(out.HFR, 0, 100),
		Stars:                 out.Stars,
		SaturatedPixels:       out.SaturatedPixels,
		CameraTemperature:     saneTemp(out.CameraTemperature),
		CoolerPower:           sane(out.CoolerPower, 0, 100),
		MeridianFlipCountdown: out.MeridianFlipCountdown,
		FocuserPosition:       out.FocuserPosition,
		FocuserTemperature:    saneTemp(out.FocuserTemperature),
		Switches:              out.Switches,
		FilterNames:           out.FilterNames,
		Safety:                prev.Safety,
		Dithering:             prev.Dithering,
		UpdatedAt:             b.now(),
	}

	reconcileExposure(&snap, out.ExposureRemainingS, out.ExposureTotalS)
	b.applyHints(instance, &snap, hints)

	b.emitMeridianWarning(instance, snap.MeridianFlipCountdown)
	b.syncFiltersOnce(instance, snap.FilterNames)

	b.store.Set(instance, snap)
	return snap
}

// ApplyHeartbeat folds a camera-only outcome into the previous snapshot.
// Sequence, guider, and image fields from the last full poll stay as they
// were; only the connectivity-cheap camera readings move.
func (b *Builder) ApplyHeartbeat(instance int, out *nina.PollOutcome, hints Hints) Snapshot {
	snap := b.store.Get(instance)
	snap.CameraTemperature = saneTemp(out.CameraTemperature)
	snap.CoolerPower = sane(out.CoolerPower, 0, 100)
	snap.UpdatedAt = b.now()

	// The sequence total is not refetched; reconcile against the last one.
	reconcileExposure(&snap, out.ExposureRemainingS, snap.ExposureTotalS)
	b.applyHints(instance, &snap, hints)

	b.store.Set(instance, snap)
	return snap
}

// applyHints folds accumulated push observations into a snapshot about to
// be published.
func (b *Builder) applyHints(instance int, snap *Snapshot, hints Hints) {
	if hints.FilterChanged != "" {
		snap.Filter = hints.FilterChanged
	}
	if hints.DitherKnown {
		snap.Dithering = hints.Dithering
	}
	if hints.SafetyKnown {
		if hints.SafetySafe {
			snap.Safety = SafetySafe
		} else {
			snap.Safety = SafetyUnsafe
		}
	}
	b.emitSafetyEdge(instance, snap.Safety)

	if hints.NewImage {
		snap.NewImageAvailable = true
		b.log.Addf(events.SeverityInfo, instance, "Image saved: %s", displayTarget(snap.Target))
		if b.stats != nil && hints.ImageExposureS > 0 {
			b.stats.AddExposure(instance, hints.ImageExposureS)
		}
	}
}

// ApplyDisconnected publishes an empty snapshot for an unreachable instance,
// keeping only the safety unknown reset.
func (b *Builder) ApplyDisconnected(instance int) {
	snap := Snapshot{
		ExposureTotalS:     nina.UnknownValue,
		ExposureCurrentS:   nina.UnknownValue,
		IterationCurrent:   nina.UnknownCount,
		IterationTotal:     nina.UnknownCount,
		RMSRA:              nina.UnknownValue,
		RMSDec:             nina.UnknownValue,
		RMSTotal:           nina.UnknownValue,
		HFR:                nina.UnknownValue,
		Stars:              nina.UnknownCount,
		SaturatedPixels:    nina.UnknownCount,
		CameraTemperature:  nina.UnknownTemperature,
		CoolerPower:        nina.UnknownValue,
		FocuserPosition:    nina.UnknownCount,
		FocuserTemperature: nina.UnknownTemperature,
		UpdatedAt:          b.now(),
	}
	b.store.Set(instance, snap)
}

// RecordStats samples the instance's current snapshot into the session ring.
// Called by the scheduler at the graph refresh cadence.
func (b *Builder) RecordStats(instance int) {
	if b.stats == nil {
		return
	}
	snap := b.store.Get(instance)
	rms := snap.RMSTotal
	if rms < 0 {
		rms = 0
	}
	hfr := snap.HFR
	if hfr < 0 {
		hfr = 0
	}
	temp := snap.CameraTemperature
	if temp == nina.UnknownTemperature {
		temp = 0
	}
	stars := snap.Stars
	if stars < 0 {
		stars = 0
	}
	cooler := snap.CoolerPower
	if cooler < 0 {
		cooler = 0
	}
	b.stats.Record(instance, rms, hfr, temp, stars, cooler)
}

// reconcileExposure computes elapsed time from the camera's remaining-time
// reading and the sequence's total, clamped to [0, total].
func reconcileExposure(snap *Snapshot, remaining, total float64) {
	snap.ExposureCurrentS = nina.UnknownValue
	snap.Countdown = ""

	if remaining < 0 {
		return
	}
	snap.Countdown = nina.FormatCountdown(remaining)

	if total <= 0 {
		snap.ExposureCurrentS = 0
		return
	}

	current := total - remaining
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	snap.ExposureCurrentS = current
}

func (b *Builder) emitSafetyEdge(instance int, safety SafetyState) {
	last := b.lastSafety[instance]
	if safety == last {
		return
	}
	b.lastSafety[instance] = safety

	switch {
	case safety == SafetyUnsafe:
		b.log.Addf(events.SeverityError, instance, "Safety monitor reports UNSAFE")
	case safety == SafetySafe && last == SafetyUnsafe:
		b.log.Addf(events.SeveritySuccess, instance, "Safety monitor reports safe again")
	}
}

// emitMeridianWarning fires once when the flip countdown drops below the
// warning window, re-arming when it climbs back out.
func (b *Builder) emitMeridianWarning(instance int, countdown string) {
	secs := parseClock(countdown)
	if secs < 0 || secs > meridianWarnSeconds {
		b.meridianWarn[instance] = false
		return
	}
	if b.meridianWarn[instance] {
		return
	}
	b.meridianWarn[instance] = true
	b.log.Addf(events.SeverityWarning, instance, "Meridian flip in %s", countdown)
}

func (b *Builder) syncFiltersOnce(instance int, names []string) {
	if b.filtersSynced[instance] || len(names) == 0 || b.cfg == nil {
		return
	}
	if err := b.cfg.SyncFilters(names, instance); err != nil {
		b.logger.Warn("Filter sync failed",
			zap.Int("instance", instance),
			zap.Error(err))
		return
	}
	b.filtersSynced[instance] = true
}

// ResetInstance clears per-instance latches after a URL or enable change.
func (b *Builder) ResetInstance(instance int) {
	if instance < 0 || instance >= len(b.filtersSynced) {
		return
	}
	b.filtersSynced[instance] = false
	b.lastSafety[instance] = SafetyUnknown
	b.meridianWarn[instance] = false
}

func displayTarget(t string) string {
	if t == "" {
		return "unknown target"
	}
	return t
}

// sane clamps v into [lo, hi], mapping NaN and out-of-window values to the
// unknown sentinel.
func sane(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo || v > hi {
		return nina.UnknownValue
	}
	return v
}

// saneTemp promotes NaN and implausible temperatures to the sentinel.
func saneTemp(v float64) float64 {
	if math.IsNaN(v) || v < -200 || v > 100 {
		return nina.UnknownTemperature
	}
	return v
}

// parseClock reads "H:MM:SS" or "H:MM" into seconds, -1 when unparsable.
func parseClock(s string) int {
	var h, m, sec int
	if n, _ := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); n >= 2 {
		return h*3600 + m*60 + sec
	}
	return -1
}
