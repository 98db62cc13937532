// Package scheduler runs the single polling worker. Each tick it reconciles
// the configured instances: full poll for the foreground instance, cheap
// heartbeats for the background ones, push hints folded into every build.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/conn"
	"github.com/unklstewy/nina-display/internal/nina"
	"github.com/unklstewy/nina-display/internal/perf"
	"github.com/unklstewy/nina-display/internal/push"
	"github.com/unklstewy/nina-display/internal/status"
)

// heartbeatInterval is the background poll cadence while the screen is awake.
const heartbeatInterval = 10 * time.Second

// Notifier receives every successfully built snapshot for alert evaluation.
type Notifier interface {
	Evaluate(instance int, snap status.Snapshot)
}

// Activity reports what the display is showing. The power arbiter
// implements it.
type Activity interface {
	// ForegroundInstance returns the instance an instance page is showing,
	// -1 for non-instance pages.
	ForegroundInstance() int
	// ScreenAsleep reports whether the panel is blanked.
	ScreenAsleep() bool
}

// Scheduler is the polling worker. Construct with New, drive with Run.
type Scheduler struct {
	cfg      *config.Store
	tracker  *conn.Tracker
	builder  *status.Builder
	store    *status.Store
	push     *push.Manager
	notifier Notifier
	activity Activity
	monitor  *perf.Monitor
	logger   *zap.Logger

	// OnPollStart fires right before a foreground full poll; the display
	// uses it to pulse the activity indicator. Optional.
	OnPollStart func(instance int)
	// OnNewImage fires when the foreground instance has a fresh image to
	// thumbnail. Optional.
	OnNewImage func(instance int)

	clients     [config.NumInstances]*nina.Client
	clientURL   [config.NumInstances]string
	lastBeat    [config.NumInstances]time.Time
	lastSample  [config.NumInstances]time.Time
	lastFG      int
	lastCycleAt time.Time

	// reinit flags are set from the config dispatch goroutine and consumed
	// by the worker.
	reinitMu sync.Mutex
	reinit   [config.NumInstances]bool

	pollReq chan struct{}
	now     func() time.Time
}

// New wires a scheduler. notifier and activity may be nil.
func New(cfg *config.Store, tracker *conn.Tracker, builder *status.Builder, store *status.Store, pm *push.Manager, notifier Notifier, activity Activity, monitor *perf.Monitor, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		tracker:  tracker,
		builder:  builder,
		store:    store,
		push:     pm,
		notifier: notifier,
		activity: activity,
		monitor:  monitor,
		logger:   logger.With(zap.String("subsystem", "scheduler")),
		lastFG:   -1,
		pollReq:  make(chan struct{}, 1),
		now:      time.Now,
	}
	for i := range s.reinit {
		s.reinit[i] = true
	}
	return s
}

// ReinitInstance flags an instance whose URL or enable state changed. The
// worker rebuilds its client on the next tick. Safe from the config
// dispatch path.
func (s *Scheduler) ReinitInstance(instance int) {
	if instance < 0 || instance >= config.NumInstances {
		return
	}
	s.reinitMu.Lock()
	s.reinit[instance] = true
	s.reinitMu.Unlock()
	s.RequestPoll()
}

// consumeReinit clears and returns an instance's pending reinit flag.
func (s *Scheduler) consumeReinit(instance int) bool {
	s.reinitMu.Lock()
	defer s.reinitMu.Unlock()
	was := s.reinit[instance]
	s.reinit[instance] = false
	return was
}

// RequestPoll wakes the worker for an immediate cycle, used after page
// switches. Coalesces when one is already pending.
func (s *Scheduler) RequestPoll() {
	select {
	case s.pollReq <- struct{}{}:
	default:
	}
}

// Run executes poll cycles until the context is cancelled. Overrun cycles
// are not caught up; the next tick starts from the current time.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Polling worker started")
	defer s.logger.Info("Polling worker stopped")
	defer s.push.Close()

	for {
		tick := s.Cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.pollReq:
		case <-time.After(tick):
		}
	}
}

// Cycle runs one full pass over all instances and returns the remaining
// sleep budget.
func (s *Scheduler) Cycle(ctx context.Context) time.Duration {
	started := s.now()
	cfg := s.cfg.Snapshot()
	tick := time.Duration(cfg.UpdateRateS) * time.Second

	if s.monitor != nil && !s.lastCycleAt.IsZero() {
		s.monitor.ObserveCycle(started.Sub(s.lastCycleAt), tick)
	}
	s.lastCycleAt = started

	fg := -1
	asleep := false
	if s.activity != nil {
		fg = s.activity.ForegroundInstance()
		asleep = s.activity.ScreenAsleep()
	}
	if fg != s.lastFG {
		// New foreground gets a full poll right away.
		if fg >= 0 {
			s.lastBeat[fg] = time.Time{}
		}
		s.lastFG = fg
	}

	for i := 0; i < config.NumInstances; i++ {
		s.cycleInstance(ctx, &cfg, i, fg, asleep)
		if ctx.Err() != nil {
			return 0
		}
	}

	elapsed := s.now().Sub(started)
	if elapsed >= tick {
		return 0
	}
	return tick - elapsed
}

func (s *Scheduler) cycleInstance(ctx context.Context, cfg *config.Config, i, fg int, asleep bool) {
	if !cfg.InstanceEnabled[i] || cfg.APIURL[i] == "" {
		s.teardown(i)
		return
	}
	if err := s.ensureClient(ctx, i, cfg.APIURL[i]); err != nil {
		s.logger.Warn("Instance client unavailable",
			zap.Int("instance", i), zap.Error(err))
		return
	}

	if timeout := time.Duration(cfg.ConnectionTimeoutS) * time.Second; timeout > 0 {
		s.clients[i].SetRequestTimeout(timeout)
	}

	hints, refresh := s.push.TakeHints(i)

	beat := heartbeatInterval
	if asleep {
		beat = time.Duration(cfg.IdlePollIntervalS) * time.Second
	}
	// A blanked screen demotes even the foreground page to heartbeats.
	full := (i == fg && !asleep) || refresh
	heartbeat := hints != (status.Hints{}) ||
		s.lastBeat[i].IsZero() || s.now().Sub(s.lastBeat[i]) >= beat

	var ok bool
	switch {
	case full:
		if i == fg && s.OnPollStart != nil {
			s.OnPollStart(i)
		}
		out, err := s.clients[i].Poll(ctx)
		ok = s.finishPoll(i, out, err, hints, true)
	case heartbeat:
		out, err := s.clients[i].PollHeartbeat(ctx)
		ok = s.finishPoll(i, out, err, hints, false)
	default:
		return
	}
	if !ok {
		// The failed poll never built a snapshot; put the push
		// observations back so the next cycle consumes them.
		s.push.Requeue(i, hints, refresh)
	}
	s.lastBeat[i] = s.now()

	if interval := time.Duration(cfg.GraphUpdateIntervalS) * time.Second; interval > 0 {
		if s.lastSample[i].IsZero() || s.now().Sub(s.lastSample[i]) >= interval {
			s.builder.RecordStats(i)
			s.lastSample[i] = s.now()
		}
	}

	if i == fg && s.OnNewImage != nil && s.store.ConsumeNewImage(i) {
		s.OnNewImage(i)
	}
}

func (s *Scheduler) finishPoll(i int, out *nina.PollOutcome, err error, hints status.Hints, full bool) bool {
	s.tracker.ReportPoll(i, err == nil)
	if err != nil {
		if s.tracker.State(i) == conn.StateDisconnected {
			s.builder.ApplyDisconnected(i)
		}
		return false
	}
	var snap status.Snapshot
	if full {
		s.tracker.SetStaticDataReady(i, true)
		snap = s.builder.Apply(i, out, hints)
	} else {
		snap = s.builder.ApplyHeartbeat(i, out, hints)
	}
	if s.notifier != nil {
		s.notifier.Evaluate(i, snap)
	}
	return true
}

// ensureClient (re)builds the REST client and push channel when the
// instance was flagged or its URL changed.
func (s *Scheduler) ensureClient(ctx context.Context, i int, rawURL string) error {
	if !s.consumeReinit(i) && s.clients[i] != nil && s.clientURL[i] == rawURL {
		return nil
	}

	client, err := nina.NewClient(rawURL, s.monitor, s.logger)
	if err != nil {
		s.teardown(i)
		return err
	}
	s.clients[i] = client
	s.clientURL[i] = rawURL
	s.lastBeat[i] = time.Time{}
	s.tracker.Reset(i)
	s.tracker.SetConnecting(i)
	s.builder.ResetInstance(i)

	if err := s.push.Start(ctx, i, rawURL); err != nil {
		s.logger.Warn("Push channel start failed",
			zap.Int("instance", i), zap.Error(err))
	}
	s.logger.Info("Instance client ready",
		zap.Int("instance", i), zap.String("url", rawURL))
	return nil
}

func (s *Scheduler) teardown(i int) {
	if s.clients[i] == nil && s.clientURL[i] == "" {
		return
	}
	s.clients[i] = nil
	s.clientURL[i] = ""
	s.push.Stop(i)
	s.tracker.Reset(i)
	s.builder.ApplyDisconnected(i)
}
