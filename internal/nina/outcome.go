package nina

// Sentinel values for fields a poll could not determine. Consumers must test
// explicitly before using a value.
const (
	UnknownValue       = -1.0
	UnknownCount       = -1
	UnknownTemperature = -999.0
)

// SwitchReading is one gauge reported by the switch hub.
type SwitchReading struct {
	Name  string
	Value float64
}

// PollOutcome is the working result of one poll cycle against one instance.
// Fetchers fill disjoint field groups; the snapshot builder reconciles the
// outcome into the published snapshot. A fresh outcome carries sentinels in
// every numeric field.
type PollOutcome struct {
	// Sequence
	Target           string
	ContainerName    string
	ContainerStep    string
	Filter           string
	SequenceRunning  bool
	ExposureTotalS   float64
	IterationCurrent int
	IterationTotal   int
	LoopRemaining      string // HH:MM:SS, empty when no timed loop is active
	LoopRemainingLabel string // header for the binding condition, e.g. "SETS IN"

	// Camera
	CameraTemperature  float64
	CoolerPower        float64
	IsExposing         bool
	ExposureRemainingS float64

	// Guider
	RMSRA    float64
	RMSDec   float64
	RMSTotal float64

	// Image history
	HFR             float64
	Stars           int
	SaturatedPixels int

	// Mount
	MeridianFlipCountdown string

	// Focuser
	FocuserPosition    int
	FocuserTemperature float64

	// Switch hub
	Switches []SwitchReading

	// Static data
	ProfileName string
	FilterNames []string
}

// NewPollOutcome returns an outcome with every numeric field set to its
// unknown sentinel.
func NewPollOutcome() *PollOutcome {
	return &PollOutcome{
		ExposureTotalS:     UnknownValue,
		IterationCurrent:   UnknownCount,
		IterationTotal:     UnknownCount,
		CameraTemperature:  UnknownTemperature,
		CoolerPower:        UnknownValue,
		ExposureRemainingS: UnknownValue,
		RMSRA:              UnknownValue,
		RMSDec:             UnknownValue,
		RMSTotal:           UnknownValue,
		HFR:                UnknownValue,
		Stars:              UnknownCount,
		SaturatedPixels:    UnknownCount,
		FocuserPosition:    UnknownCount,
		FocuserTemperature: UnknownTemperature,
	}
}
