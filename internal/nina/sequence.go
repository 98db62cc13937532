package nina

import (
	"fmt"
	"strings"
)

// SeqNode is one node of the sequence tree: a container when Items is
// non-empty, otherwise an instruction. Conditions hang off containers.
// Unknown fields are ignored by the decoder.
type SeqNode struct {
	Name       string    `json:"Name"`
	Status     string    `json:"Status"`
	Items      []SeqNode `json:"Items"`
	Conditions []SeqNode `json:"Conditions"`

	// Instruction fields, present on exposure items.
	ExposureTime        float64 `json:"ExposureTime"`
	ExposureCount       int     `json:"ExposureCount"`
	CompletedIterations int     `json:"CompletedIterations"`
	Iterations          int     `json:"Iterations"`

	// Condition fields.
	RemainingTime string `json:"RemainingTime"`

	// Switch Filter instruction payload.
	Filter *struct {
		Name string `json:"_name"`
	} `json:"Filter"`
}

const statusRunning = "RUNNING"

func (n *SeqNode) isContainer() bool { return len(n.Items) > 0 }
func (n *SeqNode) isRunning() bool   { return n.Status == statusRunning }

// stripContainerSuffix turns "M31_Container" into "M31".
func stripContainerSuffix(name string) string {
	if i := strings.Index(name, "_Container"); i >= 0 {
		return name[:i]
	}
	return name
}

// findTargetsContainer locates the top-level "Targets_Container" node.
func findTargetsContainer(roots []SeqNode) *SeqNode {
	for i := range roots {
		if roots[i].Name == "Targets_Container" {
			return &roots[i]
		}
	}
	return nil
}

// activeTargetContainer prefers the RUNNING child, falling back to the last
// FINISHED one, then the first child.
func activeTargetContainer(targets *SeqNode) *SeqNode {
	if len(targets.Items) == 0 {
		return nil
	}
	var lastFinished *SeqNode
	for i := range targets.Items {
		switch targets.Items[i].Status {
		case statusRunning:
			return &targets.Items[i]
		case "FINISHED":
			lastFinished = &targets.Items[i]
		}
	}
	if lastFinished != nil {
		return lastFinished
	}
	return &targets.Items[0]
}

// activeContainerName walks for the deepest RUNNING container, falling back
// to the last FINISHED one at this level.
func activeContainerName(parent *SeqNode) string {
	var lastFinished string
	for i := range parent.Items {
		item := &parent.Items[i]
		if !item.isContainer() || item.Name == "" {
			continue
		}
		if item.isRunning() {
			if deeper := activeContainerName(item); deeper != "" {
				return deeper
			}
			return stripContainerSuffix(item.Name)
		}
		if item.Status == "FINISHED" {
			lastFinished = stripContainerSuffix(item.Name)
		}
	}
	return lastFinished
}

// runningStepName finds the currently running leaf instruction.
func runningStepName(parent *SeqNode) string {
	for i := range parent.Items {
		item := &parent.Items[i]
		if !item.isRunning() || item.Name == "" {
			continue
		}
		if item.isContainer() {
			if step := runningStepName(item); step != "" {
				return step
			}
			return item.Name
		}
		return item.Name
	}
	return ""
}

// findRunningSmartExposure searches the subtree for a RUNNING "Smart
// Exposure" instruction.
func findRunningSmartExposure(node *SeqNode) *SeqNode {
	for i := range node.Items {
		item := &node.Items[i]
		if item.Name == "Smart Exposure" && item.isRunning() {
			return item
		}
		if found := findRunningSmartExposure(item); found != nil {
			return found
		}
	}
	return nil
}

// conditionLabel maps a condition name to the dashboard header shown next to
// its countdown.
func conditionLabel(name string) string {
	switch {
	case strings.Contains(name, "Horizon"), strings.Contains(name, "Altitude"):
		return "SETS IN"
	case strings.Contains(name, "Dawn"), strings.Contains(name, "Twilight"):
		return "DAWN IN"
	default:
		return "TIME LEFT"
	}
}

// parseRemainingSeconds parses "H:MM:SS" (or "H:MM") into seconds, -1 on
// failure.
func parseRemainingSeconds(s string) int {
	var h, m, sec int
	if n, _ := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); n >= 2 {
		return h*3600 + m*60 + sec
	}
	return -1
}

// earliestCondition scans conditions across the RUNNING container subtree and
// returns the smallest remaining time in seconds with its label, or -1 when
// none carries a parsable RemainingTime.
func earliestCondition(node *SeqNode) (int, string) {
	minSeconds := -1
	label := "TIME LEFT"

	var walk func(n *SeqNode)
	walk = func(n *SeqNode) {
		for i := range n.Conditions {
			cond := &n.Conditions[i]
			if cond.RemainingTime == "" {
				continue
			}
			secs := parseRemainingSeconds(cond.RemainingTime)
			if secs < 0 {
				continue
			}
			if minSeconds < 0 || secs < minSeconds {
				minSeconds = secs
				label = conditionLabel(cond.Name)
			}
		}
		for i := range n.Items {
			item := &n.Items[i]
			if item.isContainer() && item.isRunning() {
				walk(item)
			}
		}
	}
	walk(node)
	return minSeconds, label
}

// truncateAtDot strips fractional seconds from "04:33:57.7989913".
func truncateAtDot(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// walkSequenceJSON extracts the target, active container, running step,
// binding condition, and the RUNNING Smart Exposure triple from the
// sequence/json tree.
func walkSequenceJSON(roots []SeqNode, out *PollOutcome) {
	targets := findTargetsContainer(roots)
	if targets == nil {
		return
	}
	active := activeTargetContainer(targets)
	if active == nil {
		return
	}

	if out.Target == "" {
		out.Target = stripContainerSuffix(active.Name)
	}
	out.ContainerName = activeContainerName(active)
	out.ContainerStep = runningStepName(active)

	if secs, label := earliestCondition(active); secs >= 0 {
		out.LoopRemaining = fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
		out.LoopRemainingLabel = label
	}

	if exp := findRunningSmartExposure(active); exp != nil {
		out.SequenceRunning = true
		out.IterationCurrent = exp.CompletedIterations
		out.IterationTotal = exp.Iterations
		if exp.ExposureTime > 0 {
			out.ExposureTotalS = exp.ExposureTime
		}
	}
}

// walkSequenceState extracts the exposure triple, filter, and timed-loop
// countdown from the sequence/state tree, which nests the same fields in a
// different shape.
func walkSequenceState(roots []SeqNode, out *PollOutcome) {
	var walk func(n *SeqNode)
	walk = func(n *SeqNode) {
		if n.ExposureTime > 0 {
			running := n.isRunning()
			if running || out.ExposureTotalS <= 0 {
				out.ExposureTotalS = n.ExposureTime
				if running {
					out.SequenceRunning = true
				}
			}
			if n.ExposureCount > 0 && out.IterationCurrent <= 0 {
				out.IterationCurrent = n.ExposureCount
			}
			if n.Iterations > 0 && out.IterationTotal <= 0 {
				out.IterationTotal = n.Iterations
			}
		}

		if n.Name == "Switch Filter" && n.Filter != nil && n.Filter.Name != "" && out.Filter == "" {
			out.Filter = n.Filter.Name
		}

		for i := range n.Conditions {
			cond := &n.Conditions[i]
			if strings.Contains(cond.Name, "Loop Until Time") && cond.RemainingTime != "" {
				out.LoopRemaining = truncateAtDot(cond.RemainingTime)
			}
		}

		for i := range n.Items {
			walk(&n.Items[i])
		}
	}
	for i := range roots {
		walk(&roots[i])
	}
}
