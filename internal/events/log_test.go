package events

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLogAddAndRecent(t *testing.T) {
	log := NewLog(10, zap.NewNop())

	log.Add(SeverityInfo, 0, "first")
	log.Add(SeverityWarning, 1, "second")
	log.Add(SeverityError, SystemInstance, "third")

	recent := log.Recent()
	require.Len(t, recent, 3)

	// Newest first.
	assert.Equal(t, "third", recent[0].Message)
	assert.Equal(t, SystemInstance, recent[0].Instance)
	assert.Equal(t, "second", recent[1].Message)
	assert.Equal(t, "first", recent[2].Message)
}

func TestLogOverwritesOldestWhenFull(t *testing.T) {
	log := NewLog(5, zap.NewNop())

	for i := 0; i < 8; i++ {
		log.Addf(SeverityInfo, 0, "event %d", i)
	}

	recent := log.Recent()
	require.Len(t, recent, 5)
	assert.Equal(t, "event 7", recent[0].Message)
	assert.Equal(t, "event 3", recent[4].Message)
}

func TestLogTruncatesLongMessages(t *testing.T) {
	log := NewLog(5, zap.NewNop())
	log.Add(SeverityInfo, 0, strings.Repeat("x", 500))

	recent := log.Recent()
	require.Len(t, recent, 1)
	assert.Len(t, recent[0].Message, maxMessageLen)
}

func TestLogTruncatesAtRuneBoundary(t *testing.T) {
	log := NewLog(5, zap.NewNop())
	// Two-byte runes that straddle the cut must not leave a torn byte.
	log.Add(SeverityInfo, 0, strings.Repeat("é", 100))

	recent := log.Recent()
	require.Len(t, recent, 1)
	msg := recent[0].Message
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, len(msg), maxMessageLen)
	assert.Equal(t, 126, len(msg))
}

func TestLogConcurrentProducers(t *testing.T) {
	log := NewLog(100, zap.NewNop())

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				log.Add(SeverityInfo, p, fmt.Sprintf("p%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()

	// 100 events into a ring of 100: nothing lost.
	assert.Equal(t, 100, log.Len())
}

func TestLogTimestampsMonotonic(t *testing.T) {
	log := NewLog(10, zap.NewNop())

	base := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	tick := 0
	log.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	log.Add(SeverityInfo, 0, "a")
	log.Add(SeverityInfo, 0, "b")

	recent := log.Recent()
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Timestamp.After(recent[1].Timestamp))
}

func TestStatsRecordAndAccumulators(t *testing.T) {
	stats := NewStats(3, 10)

	stats.Record(0, 0.8, 2.5, -10.0, 150, 45.0)
	stats.Record(0, 0.4, 3.0, -10.2, 160, 46.0)
	stats.Record(0, 0, 0, -10.1, 0, 46.0) // invalid RMS/HFR skipped by accumulators

	s := stats.Get(0)
	require.Len(t, s.Points, 3)
	assert.Equal(t, 2, s.RMSCount)
	assert.InDelta(t, 0.4, s.RMSMin, 1e-9)
	assert.InDelta(t, 0.8, s.RMSMax, 1e-9)
	assert.InDelta(t, 0.6, s.RMSMean(), 1e-9)
	assert.Equal(t, 2, s.HFRCount)
	assert.InDelta(t, 2.5, s.HFRMin, 1e-9)
	assert.InDelta(t, 3.0, s.HFRMax, 1e-9)
}

func TestStatsRingOverwrite(t *testing.T) {
	stats := NewStats(1, 4)

	for i := 1; i <= 6; i++ {
		stats.Record(0, float64(i), 0, 0, 0, 0)
	}

	s := stats.Get(0)
	require.Len(t, s.Points, 4)
	// Oldest first: samples 3..6 survive.
	assert.InDelta(t, 3.0, s.Points[0].RMSTotal, 1e-9)
	assert.InDelta(t, 6.0, s.Points[3].RMSTotal, 1e-9)
	// Accumulators still cover everything recorded.
	assert.Equal(t, 6, s.RMSCount)
	assert.InDelta(t, 1.0, s.RMSMin, 1e-9)
	assert.InDelta(t, 6.0, s.RMSMax, 1e-9)
}

func TestStatsAddExposureAndReset(t *testing.T) {
	stats := NewStats(2, 10)

	stats.AddExposure(1, 120)
	stats.AddExposure(1, 60)
	stats.Record(1, 0.5, 2.0, 0, 10, 0)

	s := stats.Get(1)
	assert.Equal(t, 2, s.TotalExposures)
	assert.InDelta(t, 180.0, s.TotalExposureTimeS, 1e-9)
	assert.False(t, s.SessionStart.IsZero())

	stats.Reset(1)
	s = stats.Get(1)
	assert.Equal(t, 0, s.TotalExposures)
	assert.Empty(t, s.Points)
	assert.Equal(t, 0, s.RMSCount)
	assert.True(t, s.SessionStart.IsZero())
}

func TestStatsIgnoresOutOfRangeInstance(t *testing.T) {
	stats := NewStats(1, 4)
	stats.Record(5, 1, 1, 1, 1, 1)
	stats.AddExposure(-1, 10)
	assert.Empty(t, stats.Get(5).Points)
}
