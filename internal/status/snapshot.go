// Package status holds the per-instance aggregated snapshots and the builder
// that reconciles poll outcomes and push hints into them. Readers always see
// a complete snapshot from a single poll cycle, never a partial mix.
package status

import (
	"sync"
	"time"

	"github.com/unklstewy/nina-display/internal/nina"
)

// SafetyState is the instance's safety monitor reading.
type SafetyState int

const (
	SafetyUnknown SafetyState = iota
	SafetySafe
	SafetyUnsafe
)

// String returns the display name of the safety state.
func (s SafetyState) String() string {
	switch s {
	case SafetySafe:
		return "SAFE"
	case SafetyUnsafe:
		return "UNSAFE"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is the aggregated view of one instance after one poll cycle.
// Numeric fields carry the nina package sentinels when unknown.
type Snapshot struct {
	ProfileName   string
	Target        string
	ContainerName string
	ContainerStep string
	Filter        string

	SequenceRunning  bool
	ExposureCurrentS float64
	ExposureTotalS   float64
	IterationCurrent int
	IterationTotal   int
	Countdown        string // MM:SS until the current exposure ends

	LoopRemaining      string
	LoopRemainingLabel string

	RMSRA    float64
	RMSDec   float64
	RMSTotal float64

	HFR             float64
	Stars           int
	SaturatedPixels int

	CameraTemperature float64
	CoolerPower       float64

	MeridianFlipCountdown string

	FocuserPosition    int
	FocuserTemperature float64

	Switches []nina.SwitchReading

	Safety SafetyState

	// Dithering reports whether the guider is currently settling a dither.
	Dithering bool

	// NewImageAvailable is an edge flag for the thumbnail fetcher; consume
	// it through Store.ConsumeNewImage.
	NewImageAvailable bool

	FilterNames []string

	UpdatedAt time.Time
}

// Store holds the published snapshot per instance under a writer lock.
type Store struct {
	mu        sync.RWMutex
	snapshots []Snapshot
}

// NewStore creates a store for the given number of instances.
func NewStore(instances int) *Store {
	return &Store{snapshots: make([]Snapshot, instances)}
}

// Set atomically replaces an instance's snapshot.
func (s *Store) Set(instance int, snap Snapshot) {
	if instance < 0 || instance >= len(s.snapshots) {
		return
	}
	s.mu.Lock()
	// The edge flag survives until a consumer takes it.
	if s.snapshots[instance].NewImageAvailable {
		snap.NewImageAvailable = true
	}
	s.snapshots[instance] = snap
	s.mu.Unlock()
}

// Get returns a copy of an instance's snapshot. Slices are cloned so the
// caller can hold the copy across later writes.
func (s *Store) Get(instance int) Snapshot {
	if instance < 0 || instance >= len(s.snapshots) {
		return Snapshot{}
	}
	s.mu.RLock()
	snap := s.snapshots[instance]
	s.mu.RUnlock()

	if snap.Switches != nil {
		snap.Switches = append([]nina.SwitchReading(nil), snap.Switches...)
	}
	if snap.FilterNames != nil {
		snap.FilterNames = append([]string(nil), snap.FilterNames...)
	}
	return snap
}

// ConsumeNewImage clears and returns the instance's new-image edge flag.
func (s *Store) ConsumeNewImage(instance int) bool {
	if instance < 0 || instance >= len(s.snapshots) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.snapshots[instance].NewImageAvailable
	s.snapshots[instance].NewImageAvailable = false
	return was
}

// MarkNewImage sets the instance's new-image edge flag.
func (s *Store) MarkNewImage(instance int) {
	if instance < 0 || instance >= len(s.snapshots) {
		return
	}
	s.mu.Lock()
	s.snapshots[instance].NewImageAvailable = true
	s.mu.Unlock()
}
