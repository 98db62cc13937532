package events

import (
	"math"
	"sync"
	"time"
)

// DefaultPointCapacity is the per-instance sample ring size.
const DefaultPointCapacity = 500

// Point is one sampled metric tuple recorded during a session.
type Point struct {
	RMSTotal    float64
	HFR         float64
	Temperature float64
	Stars       int
	CoolerPower float64
	Timestamp   time.Time
}

// SessionStats aggregates one instance's imaging session. The zero value is
// not usable; rings are preallocated by NewStats.
type SessionStats struct {
	Points []Point

	RMSMin   float64
	RMSMax   float64
	RMSSum   float64
	RMSCount int

	HFRMin   float64
	HFRMax   float64
	HFRSum   float64
	HFRCount int

	TotalExposures      int
	TotalExposureTimeS  float64
	SessionStart        time.Time
}

// RMSMean returns the running mean of recorded RMS samples, 0 when none.
func (s *SessionStats) RMSMean() float64 {
	if s.RMSCount == 0 {
		return 0
	}
	return s.RMSSum / float64(s.RMSCount)
}

// HFRMean returns the running mean of recorded HFR samples, 0 when none.
func (s *SessionStats) HFRMean() float64 {
	if s.HFRCount == 0 {
		return 0
	}
	return s.HFRSum / float64(s.HFRCount)
}

type instanceStats struct {
	points   []Point
	capacity int
	write    int
	count    int

	rmsMin, rmsMax, rmsSum float64
	rmsCount               int
	hfrMin, hfrMax, hfrSum float64
	hfrCount               int

	totalExposures     int
	totalExposureTimeS float64
	sessionStart       time.Time
}

// Stats holds per-instance session statistics rings.
type Stats struct {
	mu        sync.Mutex
	instances []instanceStats
	now       func() time.Time
}

// NewStats preallocates rings for the given number of instances.
func NewStats(instances, capacity int) *Stats {
	if capacity <= 0 {
		capacity = DefaultPointCapacity
	}
	s := &Stats{
		instances: make([]instanceStats, instances),
		now:       time.Now,
	}
	for i := range s.instances {
		s.instances[i] = instanceStats{
			points:   make([]Point, capacity),
			capacity: capacity,
			rmsMin:   math.MaxFloat64,
			hfrMin:   math.MaxFloat64,
		}
	}
	return s
}

// Record appends a sampled point for the instance and updates the running
// accumulators. Non-positive RMS and HFR samples are stored in the ring but
// excluded from the accumulators.
func (s *Stats) Record(instance int, rms, hfr, temperature float64, stars int, coolerPower float64) {
	if instance < 0 || instance >= len(s.instances) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.instances[instance]
	now := s.now()
	if st.sessionStart.IsZero() {
		st.sessionStart = now
	}

	st.points[st.write] = Point{
		RMSTotal:    rms,
		HFR:         hfr,
		Temperature: temperature,
		Stars:       stars,
		CoolerPower: coolerPower,
		Timestamp:   now,
	}
	st.write = (st.write + 1) % st.capacity
	if st.count < st.capacity {
		st.count++
	}

	if rms > 0 {
		if rms < st.rmsMin {
			st.rmsMin = rms
		}
		if rms > st.rmsMax {
			st.rmsMax = rms
		}
		st.rmsSum += rms
		st.rmsCount++
	}
	if hfr > 0 {
		if hfr < st.hfrMin {
			st.hfrMin = hfr
		}
		if hfr > st.hfrMax {
			st.hfrMax = hfr
		}
		st.hfrSum += hfr
		st.hfrCount++
	}
}

// AddExposure accumulates one completed exposure of the given duration.
func (s *Stats) AddExposure(instance int, seconds float64) {
	if instance < 0 || instance >= len(s.instances) {
		return
	}
	s.mu.Lock()
	s.instances[instance].totalExposures++
	s.instances[instance].totalExposureTimeS += seconds
	s.mu.Unlock()
}

// Reset clears the instance's session keeping the ring allocation.
func (s *Stats) Reset(instance int) {
	if instance < 0 || instance >= len(s.instances) {
		return
	}
	s.mu.Lock()
	st := &s.instances[instance]
	pts := st.points
	cap := st.capacity
	*st = instanceStats{
		points:   pts,
		capacity: cap,
		rmsMin:   math.MaxFloat64,
		hfrMin:   math.MaxFloat64,
	}
	s.mu.Unlock()
}

// Get returns a copy of the instance's session, points ordered oldest first.
func (s *Stats) Get(instance int) SessionStats {
	if instance < 0 || instance >= len(s.instances) {
		return SessionStats{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.instances[instance]
	out := SessionStats{
		Points:             make([]Point, st.count),
		RMSMax:             st.rmsMax,
		RMSSum:             st.rmsSum,
		RMSCount:           st.rmsCount,
		HFRMax:             st.hfrMax,
		HFRSum:             st.hfrSum,
		HFRCount:           st.hfrCount,
		TotalExposures:     st.totalExposures,
		TotalExposureTimeS: st.totalExposureTimeS,
		SessionStart:       st.sessionStart,
	}
	if st.rmsCount > 0 {
		out.RMSMin = st.rmsMin
	}
	if st.hfrCount > 0 {
		out.HFRMin = st.hfrMin
	}
	for i := 0; i < st.count; i++ {
		idx := (st.write - st.count + i + st.capacity) % st.capacity
		out.Points[i] = st.points[idx]
	}
	return out
}
