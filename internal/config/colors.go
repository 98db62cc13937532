package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Default per-instance JSON documents.
const (
	DefaultFilterColorsJSON  = `{"L":"#FFFFFF","R":"#B91C1C","G":"#15803D","B":"#1D4ED8","Sii":"#FF00FF","Ha":"#CCFF00","Oiii":"#00FFFF"}`
	DefaultRMSThresholdsJSON = `{"good":0.5,"ok":1.0}`
	DefaultHFRThresholdsJSON = `{"good":2.0,"ok":3.5}`
)

// defaultUnknownFilterColor is assigned to filters with no configured color.
const defaultUnknownFilterColor = "#9CA3AF"

// RGB is an 8-bit-per-channel color.
type RGB struct {
	R, G, B uint8
}

// ParseHexColor parses a "#RRGGBB" string.
func ParseHexColor(s string) (RGB, error) {
	s = strings.TrimSpace(s)
	if len(s) != 7 || s[0] != '#' {
		return RGB{}, fmt.Errorf("invalid hex color %q", s)
	}
	var c RGB
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &c.R, &c.G, &c.B); err != nil {
		return RGB{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return c, nil
}

// Hex returns the "#RRGGBB" form of the color.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// ApplyBrightness scales each channel by pct/100, clamped to [0,100].
func ApplyBrightness(c RGB, pct int) RGB {
	pct = clampInt(pct, 0, 100)
	return RGB{
		R: uint8(int(c.R) * pct / 100),
		G: uint8(int(c.G) * pct / 100),
		B: uint8(int(c.B) * pct / 100),
	}
}

// Band classifies a metric sample against its thresholds.
type Band int

const (
	BandUnknown Band = iota
	BandGood
	BandOK
	BandBad
)

// String returns the display name of the band.
func (b Band) String() string {
	switch b {
	case BandGood:
		return "good"
	case BandOK:
		return "ok"
	case BandBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Thresholds is a tri-band boundary pair. A value v classifies good when
// v <= GoodMax, ok when GoodMax < v <= OKMax, bad above OKMax.
type Thresholds struct {
	GoodMax float64 `json:"good"`
	OKMax   float64 `json:"ok"`
}

// Classify places a sample in its band. Non-positive samples are unknown.
func (t Thresholds) Classify(v float64) Band {
	if v <= 0 {
		return BandUnknown
	}
	switch {
	case v <= t.GoodMax:
		return BandGood
	case v <= t.OKMax:
		return BandOK
	default:
		return BandBad
	}
}

// ThresholdKind selects which per-instance threshold document to read.
type ThresholdKind int

const (
	ThresholdRMS ThresholdKind = iota
	ThresholdHFR
)

func parseThresholds(doc string, fallback Thresholds) Thresholds {
	var t Thresholds
	if err := json.Unmarshal([]byte(doc), &t); err != nil || t.GoodMax <= 0 || t.OKMax < t.GoodMax {
		return fallback
	}
	return t
}

func defaultThresholds(kind ThresholdKind) Thresholds {
	if kind == ThresholdRMS {
		return Thresholds{GoodMax: 0.5, OKMax: 1.0}
	}
	return Thresholds{GoodMax: 2.0, OKMax: 3.5}
}

func parseFilterColors(doc string) map[string]string {
	m := map[string]string{}
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		m = map[string]string{}
		_ = json.Unmarshal([]byte(DefaultFilterColorsJSON), &m)
	}
	return m
}

func marshalFilterColors(m map[string]string) string {
	// Stable key order keeps the stored document deterministic.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, _ := json.Marshal(m[k])
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')
	return b.String()
}

// defaultColorFor returns the factory color for a known filter name, or the
// neutral fallback for anything unrecognized.
func defaultColorFor(name string) string {
	defaults := parseFilterColors(DefaultFilterColorsJSON)
	if c, ok := defaults[name]; ok {
		return c
	}
	return defaultUnknownFilterColor
}

// mergeFilters merges reported filter names into a color document, assigning
// defaults to new names, dropping names no longer reported, and preserving
// existing assignments. An empty name list leaves the document untouched.
func mergeFilters(doc string, names []string) (string, bool) {
	if len(names) == 0 {
		return doc, false
	}
	current := parseFilterColors(doc)

	merged := make(map[string]string, len(names))
	changed := false
	for _, name := range names {
		if name == "" {
			continue
		}
		if c, ok := current[name]; ok {
			merged[name] = c
		} else {
			merged[name] = defaultColorFor(name)
			changed = true
		}
	}
	if len(merged) != len(current) {
		changed = true
	}
	if !changed {
		return doc, false
	}
	return marshalFilterColors(merged), true
}
