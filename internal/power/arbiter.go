// Package power decides what the display shows and when it sleeps: screen
// blanking from fused connection state, foreground page from override or
// auto-rotate, and the saved-page round trip across deep sleep.
package power

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/conn"
)

// Arbiter owns the active page and the sleep decision. Reads are driven by
// the UI tick; there is no internal goroutine.
type Arbiter struct {
	cfg     *config.Store
	tracker *conn.Tracker
	logger  *zap.Logger

	// OnPageChange fires when the active page moves, from any source.
	// The scheduler's one-shot poll hangs off this. Optional.
	OnPageChange func(page int)

	savedPagePath string

	mu           sync.Mutex
	page         int
	lastActivity time.Time
	rotateAt     time.Time
	lastOverride int
	now          func() time.Time
}

// NewArbiter restores the saved page when one exists, otherwise starts on
// the summary page.
func NewArbiter(cfg *config.Store, tracker *conn.Tracker, savedPagePath string, logger *zap.Logger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Arbiter{
		cfg:           cfg,
		tracker:       tracker,
		logger:        logger.With(zap.String("subsystem", "power")),
		savedPagePath: savedPagePath,
		page:          config.PageSummary,
		lastOverride:  -1,
		now:           time.Now,
	}
	a.lastActivity = a.now()
	if page, ok := a.readSavedPage(); ok {
		a.page = page
		a.logger.Info("Restored saved page", zap.Int("page", page))
	}
	return a
}

// Touch records user activity: resets the idle countdown and, if the screen
// was asleep, wakes it without changing the page.
func (a *Arbiter) Touch() {
	a.mu.Lock()
	a.lastActivity = a.now()
	a.mu.Unlock()
}

// ScreenShouldSleep is true when sleeping is enabled, nothing is connected,
// and the idle timeout has elapsed.
func (a *Arbiter) ScreenShouldSleep() bool {
	cfg := a.cfg.Snapshot()
	if !cfg.ScreenSleepEnabled || a.tracker.ConnectedCount() > 0 {
		return false
	}
	a.mu.Lock()
	idle := a.now().Sub(a.lastActivity)
	a.mu.Unlock()
	return idle >= time.Duration(cfg.ScreenSleepTimeoutS)*time.Second
}

// ScreenAsleep satisfies the scheduler's activity interface.
func (a *Arbiter) ScreenAsleep() bool { return a.ScreenShouldSleep() }

// ActivePage resolves the page to show. An override pins the page;
// otherwise auto-rotate advances through its bitmask, skipping instance
// pages whose instance is disconnected when configured to. The rotate timer
// does not advance while an override is set.
func (a *Arbiter) ActivePage() int {
	cfg := a.cfg.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.ActivePageOverride >= 0 {
		page := clampPage(cfg.ActivePageOverride)
		if cfg.ActivePageOverride != a.lastOverride {
			a.lastOverride = cfg.ActivePageOverride
			a.setPageLocked(page)
		}
		return a.page
	}
	if a.lastOverride >= 0 {
		// Override just cleared: restart the rotate countdown.
		a.lastOverride = -1
		a.rotateAt = a.now().Add(time.Duration(cfg.AutoRotateIntervalS) * time.Second)
	}

	if !cfg.AutoRotateEnabled || cfg.AutoRotateIntervalS <= 0 {
		return a.page
	}
	now := a.now()
	if a.rotateAt.IsZero() {
		a.rotateAt = now.Add(time.Duration(cfg.AutoRotateIntervalS) * time.Second)
		return a.page
	}
	if now.Before(a.rotateAt) {
		return a.page
	}
	a.rotateAt = now.Add(time.Duration(cfg.AutoRotateIntervalS) * time.Second)
	if next, ok := a.nextRotatePage(&cfg); ok {
		a.setPageLocked(next)
	}
	return a.page
}

// SetPage switches the page from user input and resets the idle countdown.
func (a *Arbiter) SetPage(page int) {
	page = clampPage(page)
	a.mu.Lock()
	a.lastActivity = a.now()
	a.rotateAt = a.now().Add(time.Duration(a.cfg.Snapshot().AutoRotateIntervalS) * time.Second)
	a.setPageLocked(page)
	a.mu.Unlock()
}

// ForegroundInstance maps the active page to an instance index, -1 for
// non-instance pages.
func (a *Arbiter) ForegroundInstance() int {
	page := a.ActivePage()
	if page >= config.PageInstance && page < config.PageInstance+config.NumInstances {
		return page - config.PageInstance
	}
	return -1
}

// PrepareDeepSleep persists the current page so the next boot can restore it.
func (a *Arbiter) PrepareDeepSleep() error {
	a.mu.Lock()
	page := a.page
	a.mu.Unlock()
	return os.WriteFile(a.savedPagePath, []byte(strconv.Itoa(page)+"\n"), 0o644)
}

func (a *Arbiter) setPageLocked(page int) {
	if page == a.page {
		return
	}
	a.page = page
	a.logger.Debug("Page changed", zap.Int("page", page))
	if a.OnPageChange != nil {
		a.OnPageChange(page)
	}
}

// nextRotatePage finds the next page after the current one that is in the
// rotate bitmask and, for instance pages, passes the skip-disconnected rule.
func (a *Arbiter) nextRotatePage(cfg *config.Config) (int, bool) {
	for step := 1; step <= config.NumPages; step++ {
		page := (a.page + step) % config.NumPages
		if cfg.AutoRotatePages&(1<<page) == 0 {
			continue
		}
		if cfg.AutoRotateSkipDisc && page >= config.PageInstance && page < config.PageInstance+config.NumInstances {
			instance := page - config.PageInstance
			if !cfg.InstanceEnabled[instance] || a.tracker.State(instance) != conn.StateConnected {
				continue
			}
		}
		return page, page != a.page
	}
	return a.page, false
}

func (a *Arbiter) readSavedPage() (int, bool) {
	if a.savedPagePath == "" {
		return 0, false
	}
	data, err := os.ReadFile(a.savedPagePath)
	if err != nil {
		return 0, false
	}
	page, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || page < 0 || page >= config.NumPages {
		return 0, false
	}
	return page, true
}

func clampPage(page int) int {
	if page < 0 {
		return 0
	}
	if page >= config.NumPages {
		return config.NumPages - 1
	}
	return page
}
