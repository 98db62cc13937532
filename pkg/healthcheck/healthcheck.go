// Package healthcheck provides interfaces and types for subsystem health
// monitoring.
package healthcheck

import (
	"context"
	"time"
)

// Status represents the health status of a subsystem.
type Status string

const (
	// StatusHealthy indicates the subsystem is functioning normally
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the subsystem is functioning but with issues
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the subsystem is not functioning properly
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the health status cannot be determined
	StatusUnknown Status = "unknown"
)

// Result contains the health check result for a subsystem.
type Result struct {
	// Subsystem identifies what was checked
	Subsystem string `json:"subsystem"`
	// Status is the health status
	Status Status `json:"status"`
	// Message provides additional context about the health status
	Message string `json:"message,omitempty"`
	// Timestamp when the check was performed
	Timestamp time.Time `json:"timestamp"`
	// Details contains subsystem-specific health information
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checker is the interface that subsystems implement for health checking.
type Checker interface {
	// Check performs a health check and returns the result
	Check(ctx context.Context) *Result
	// Name returns the name of the subsystem being checked
	Name() string
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) *Result
}

func (n namedCheck) Check(ctx context.Context) *Result { return n.fn(ctx) }
func (n namedCheck) Name() string                      { return n.name }

// NamedCheck wraps an ordinary function as a Checker.
func NamedCheck(name string, fn func(ctx context.Context) *Result) Checker {
	return namedCheck{name: name, fn: fn}
}

// AggregatedResult contains health check results from all subsystems.
type AggregatedResult struct {
	// OverallStatus is the aggregated health status
	OverallStatus Status `json:"status"`
	// Subsystems contains individual health results
	Subsystems map[string]*Result `json:"subsystems"`
	// Timestamp when the aggregation was performed
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy returns true if the overall status is healthy.
func (ar *AggregatedResult) IsHealthy() bool {
	return ar.OverallStatus == StatusHealthy
}

// DetermineOverallStatus calculates the overall status from subsystem results.
// Any unhealthy subsystem makes the aggregate unhealthy; degraded or unknown
// subsystems make it degraded.
func DetermineOverallStatus(results map[string]*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}

	hasUnhealthy := false
	hasDegraded := false

	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded, StatusUnknown:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
