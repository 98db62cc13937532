package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/events"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(3, events.NewLog(20, zap.NewNop()), zap.NewNop())
}

func TestFirstSuccessConnectsImmediately(t *testing.T) {
	tr := newTracker(t)

	assert.Equal(t, StateUnknown, tr.State(0))
	tr.SetConnecting(0)
	assert.Equal(t, StateConnecting, tr.State(0))

	tr.ReportPoll(0, true)
	assert.Equal(t, StateConnected, tr.State(0))
	assert.False(t, tr.Info(0).LastConnected.IsZero())
}

func TestDisconnectRequiresThreeConsecutiveFailures(t *testing.T) {
	tr := newTracker(t)
	tr.ReportPoll(0, true)
	require.Equal(t, StateConnected, tr.State(0))

	tr.ReportPoll(0, false)
	tr.ReportPoll(0, false)
	assert.Equal(t, StateConnected, tr.State(0), "two failures must not demote")

	tr.ReportPoll(0, false)
	assert.Equal(t, StateDisconnected, tr.State(0))

	tr.ReportPoll(0, true)
	assert.Equal(t, StateConnected, tr.State(0), "single success recovers")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	tr := newTracker(t)
	tr.ReportPoll(0, true)

	tr.ReportPoll(0, false)
	tr.ReportPoll(0, false)
	tr.ReportPoll(0, true)
	tr.ReportPoll(0, false)
	tr.ReportPoll(0, false)
	assert.Equal(t, StateConnected, tr.State(0))

	tr.ReportPoll(0, false)
	assert.Equal(t, StateDisconnected, tr.State(0))
}

func TestFailuresFromUnknownNeverConnect(t *testing.T) {
	tr := newTracker(t)
	for i := 0; i < 10; i++ {
		tr.ReportPoll(1, false)
	}
	assert.Equal(t, StateUnknown, tr.State(1))
	assert.Equal(t, 10, tr.Info(1).ConsecFailures)
}

func TestWSFlagIndependentOfState(t *testing.T) {
	tr := newTracker(t)

	tr.ReportWS(0, true)
	assert.Equal(t, StateUnknown, tr.State(0))
	assert.True(t, tr.Info(0).WSConnected)

	tr.ReportPoll(0, true)
	tr.ReportWS(0, false)
	assert.Equal(t, StateConnected, tr.State(0))
	assert.False(t, tr.Info(0).WSConnected)
}

func TestConnectedCount(t *testing.T) {
	tr := newTracker(t)
	assert.Equal(t, 0, tr.ConnectedCount())

	tr.ReportPoll(0, true)
	tr.ReportPoll(2, true)
	assert.Equal(t, 2, tr.ConnectedCount())

	for i := 0; i < DefaultFailureThreshold; i++ {
		tr.ReportPoll(2, false)
	}
	assert.Equal(t, 1, tr.ConnectedCount())
}

func TestReadyRequiresStaticData(t *testing.T) {
	tr := newTracker(t)
	tr.ReportPoll(0, true)

	assert.True(t, tr.Info(0).Reachable())
	assert.False(t, tr.Info(0).Ready())

	tr.SetStaticDataReady(0, true)
	assert.True(t, tr.Info(0).Ready())
}

func TestResetClearsEverything(t *testing.T) {
	tr := newTracker(t)
	tr.ReportPoll(0, true)
	tr.ReportWS(0, true)
	tr.SetStaticDataReady(0, true)

	tr.Reset(0)
	info := tr.Info(0)
	assert.Equal(t, StateUnknown, info.State)
	assert.False(t, info.WSConnected)
	assert.False(t, info.StaticDataReady)
	assert.Equal(t, 0, info.ConsecSuccesses)
}

func TestTransitionsAppendEvents(t *testing.T) {
	log := events.NewLog(20, zap.NewNop())
	tr := NewTracker(1, log, zap.NewNop())

	tr.ReportPoll(0, true)
	for i := 0; i < DefaultFailureThreshold; i++ {
		tr.ReportPoll(0, false)
	}

	recent := log.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, events.SeverityError, recent[0].Severity)
	assert.Equal(t, events.SeveritySuccess, recent[1].Severity)
}

func TestCustomThresholds(t *testing.T) {
	tr := NewTracker(1, nil, zap.NewNop(), WithThresholds(2, 2))
	tr.ReportPoll(0, true)

	tr.ReportPoll(0, false)
	tr.ReportPoll(0, false)
	assert.Equal(t, StateDisconnected, tr.State(0))

	tr.ReportPoll(0, true)
	assert.Equal(t, StateDisconnected, tr.State(0))
	tr.ReportPoll(0, true)
	assert.Equal(t, StateConnected, tr.State(0))
}
