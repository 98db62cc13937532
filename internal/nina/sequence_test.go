package nina

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sequenceJSONFixture = `[
  {"Name": "Start_Container", "Status": "FINISHED", "Items": [{"Name": "Cool Camera", "Status": "FINISHED"}]},
  {"Name": "Targets_Container", "Status": "RUNNING", "Items": [
    {"Name": "M31_Container", "Status": "RUNNING",
     "Conditions": [
       {"Name": "Loop Until Time", "RemainingTime": "2:15:00"},
       {"Name": "Above Horizon", "RemainingTime": "1:05:30"}
     ],
     "Items": [
       {"Name": "Imaging_Container", "Status": "RUNNING",
        "Items": [
          {"Name": "Switch Filter", "Status": "FINISHED"},
          {"Name": "Smart Exposure", "Status": "RUNNING",
           "ExposureTime": 120, "CompletedIterations": 12, "Iterations": 40}
        ]}
     ]},
    {"Name": "M42_Container", "Status": "CREATED", "Items": [{"Name": "Smart Exposure", "Status": "CREATED"}]}
  ]},
  {"Name": "End_Container", "Status": "CREATED", "Items": [{"Name": "Warm Camera", "Status": "CREATED"}]}
]`

func decodeRoots(t *testing.T, doc string) []SeqNode {
	t.Helper()
	var roots []SeqNode
	require.NoError(t, json.Unmarshal([]byte(doc), &roots))
	return roots
}

func TestWalkSequenceJSON(t *testing.T) {
	out := NewPollOutcome()
	walkSequenceJSON(decodeRoots(t, sequenceJSONFixture), out)

	assert.Equal(t, "M31", out.Target, "container suffix stripped")
	assert.Equal(t, "Imaging", out.ContainerName)
	assert.Equal(t, "Smart Exposure", out.ContainerStep)
	assert.True(t, out.SequenceRunning)
	assert.Equal(t, 12, out.IterationCurrent)
	assert.Equal(t, 40, out.IterationTotal)
	assert.InDelta(t, 120.0, out.ExposureTotalS, 1e-9)

	// The horizon condition binds first and labels the countdown.
	assert.Equal(t, "1:05:30", out.LoopRemaining)
	assert.Equal(t, "SETS IN", out.LoopRemainingLabel)
}

func TestWalkSequenceJSONPrefersRunningTarget(t *testing.T) {
	doc := `[{"Name": "Targets_Container", "Items": [
	  {"Name": "Done_Container", "Status": "FINISHED", "Items": [{"Name": "x"}]},
	  {"Name": "Active_Container", "Status": "RUNNING", "Items": [{"Name": "y"}]}
	]}]`
	out := NewPollOutcome()
	walkSequenceJSON(decodeRoots(t, doc), out)
	assert.Equal(t, "Active", out.Target)
}

func TestWalkSequenceJSONFallsBackToLastFinished(t *testing.T) {
	doc := `[{"Name": "Targets_Container", "Items": [
	  {"Name": "First_Container", "Status": "FINISHED", "Items": [{"Name": "x"}]},
	  {"Name": "Second_Container", "Status": "FINISHED", "Items": [{"Name": "y"}]}
	]}]`
	out := NewPollOutcome()
	walkSequenceJSON(decodeRoots(t, doc), out)
	assert.Equal(t, "Second", out.Target)
}

func TestWalkSequenceJSONNoTargetsContainer(t *testing.T) {
	out := NewPollOutcome()
	walkSequenceJSON(decodeRoots(t, `[{"Name": "Other", "Items": [{"Name": "x"}]}]`), out)

	assert.Empty(t, out.Target)
	assert.Equal(t, UnknownCount, out.IterationCurrent)
	assert.False(t, out.SequenceRunning)
}

func TestWalkSequenceJSONDoesNotOverwriteTarget(t *testing.T) {
	out := NewPollOutcome()
	out.Target = "From Image History"
	walkSequenceJSON(decodeRoots(t, sequenceJSONFixture), out)
	assert.Equal(t, "From Image History", out.Target)
}

func TestWalkSequenceStateLoopUntilTimeTruncatesFraction(t *testing.T) {
	doc := `[{"Name": "Root", "Items": [
	  {"Name": "Loop_Container", "Status": "RUNNING",
	   "Conditions": [{"Name": "Loop Until Time Condition", "RemainingTime": "04:33:57.7989913"}],
	   "Items": [{"Name": "Take Exposure", "Status": "RUNNING", "ExposureTime": 300, "ExposureCount": 7, "Iterations": 20}]}
	]}]`
	out := NewPollOutcome()
	walkSequenceState(decodeRoots(t, doc), out)

	assert.Equal(t, "04:33:57", out.LoopRemaining)
	assert.True(t, out.SequenceRunning)
	assert.InDelta(t, 300.0, out.ExposureTotalS, 1e-9)
	assert.Equal(t, 7, out.IterationCurrent)
	assert.Equal(t, 20, out.IterationTotal)
}

func TestWalkSequenceStateSwitchFilter(t *testing.T) {
	doc := `[{"Name": "Root", "Items": [
	  {"Name": "Switch Filter", "Status": "FINISHED", "Filter": {"_name": "Ha"}}
	]}]`
	out := NewPollOutcome()
	walkSequenceState(decodeRoots(t, doc), out)
	assert.Equal(t, "Ha", out.Filter)

	// A filter already set by sequence/json wins.
	out2 := NewPollOutcome()
	out2.Filter = "Oiii"
	walkSequenceState(decodeRoots(t, doc), out2)
	assert.Equal(t, "Oiii", out2.Filter)
}

func TestWalkSequenceStateNonRunningExposureIsFallbackOnly(t *testing.T) {
	doc := `[{"Name": "Root", "Items": [
	  {"Name": "Take Exposure", "Status": "CREATED", "ExposureTime": 60}
	]}]`
	out := NewPollOutcome()
	walkSequenceState(decodeRoots(t, doc), out)

	assert.InDelta(t, 60.0, out.ExposureTotalS, 1e-9)
	assert.False(t, out.SequenceRunning)
}

func TestParseRemainingSeconds(t *testing.T) {
	assert.Equal(t, 2*3600+15*60, parseRemainingSeconds("2:15:00"))
	assert.Equal(t, 3930, parseRemainingSeconds("1:05:30"))
	assert.Equal(t, 65*60, parseRemainingSeconds("1:05"))
	assert.Equal(t, -1, parseRemainingSeconds("soon"))
}

func TestConditionLabel(t *testing.T) {
	assert.Equal(t, "SETS IN", conditionLabel("Above Horizon"))
	assert.Equal(t, "SETS IN", conditionLabel("Altitude Condition"))
	assert.Equal(t, "DAWN IN", conditionLabel("Wait Until Dawn"))
	assert.Equal(t, "DAWN IN", conditionLabel("Twilight Condition"))
	assert.Equal(t, "TIME LEFT", conditionLabel("Loop Until Time"))
}
