package healthcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func staticCheck(name string, status Status) Checker {
	return NamedCheck(name, func(ctx context.Context) *Result {
		return &Result{Status: status}
	})
}

func TestCheckAllAggregates(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unknown counts as degraded", []Status{StatusHealthy, StatusUnknown}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(zap.NewNop())
			for i, st := range tt.statuses {
				r.Register(staticCheck(string(rune('a'+i)), st))
			}
			agg := r.CheckAll(context.Background())
			assert.Equal(t, tt.want, agg.OverallStatus)
			assert.Len(t, agg.Subsystems, len(tt.statuses))
		})
	}
}

func TestCheckAllEmptyRegistry(t *testing.T) {
	r := NewRegistry(nil)
	agg := r.CheckAll(context.Background())
	assert.Equal(t, StatusUnknown, agg.OverallStatus)
	assert.False(t, agg.IsHealthy())
}

func TestCheckAllFillsDefaults(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(staticCheck("mqtt", StatusHealthy))
	r.Register(NamedCheck("broken", func(ctx context.Context) *Result { return nil }))

	agg := r.CheckAll(context.Background())
	require.Contains(t, agg.Subsystems, "mqtt")
	require.Contains(t, agg.Subsystems, "broken")
	assert.Equal(t, "mqtt", agg.Subsystems["mqtt"].Subsystem)
	assert.False(t, agg.Subsystems["mqtt"].Timestamp.IsZero())
	assert.Equal(t, StatusUnknown, agg.Subsystems["broken"].Status)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(staticCheck("scheduler", StatusUnhealthy))
	r.Unregister("scheduler")

	agg := r.CheckAll(context.Background())
	assert.Empty(t, agg.Subsystems)
}
