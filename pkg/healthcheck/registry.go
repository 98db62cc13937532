// Package healthcheck implements the subsystem health registry.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds health checkers for the device's subsystems. Checks run
// on demand when a caller asks for the aggregate, there is no background
// polling loop.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

// NewRegistry creates an empty health registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		checkers: make(map[string]Checker),
		logger:   logger.With(zap.String("subsystem", "health")),
	}
}

// Register adds a health checker to the registry.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := checker.Name()
	r.checkers[name] = checker
	r.logger.Info("Registered health checker", zap.String("check", name))
}

// Unregister removes a health checker from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checkers, name)
	r.logger.Info("Unregistered health checker", zap.String("check", name))
}

// CheckAll runs every registered check and returns the aggregate. Checks
// run concurrently; a missing Timestamp is filled in.
func (r *Registry) CheckAll(ctx context.Context) *AggregatedResult {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]*Result, len(checkers))
	var wg sync.WaitGroup
	var resultsMu sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(n string, c Checker) {
			defer wg.Done()

			result := c.Check(ctx)
			if result == nil {
				result = &Result{Subsystem: n, Status: StatusUnknown}
			}
			if result.Subsystem == "" {
				result.Subsystem = n
			}
			if result.Timestamp.IsZero() {
				result.Timestamp = time.Now()
			}

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &AggregatedResult{
		OverallStatus: DetermineOverallStatus(results),
		Subsystems:    results,
		Timestamp:     time.Now(),
	}
}
