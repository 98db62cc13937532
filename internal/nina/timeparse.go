package nina

import (
	"fmt"
	"strings"
	"time"
)

// minValidYear guards "seconds remaining" math against an unsynchronized
// clock: timestamps are only trusted once NTP has moved us past this year.
const minValidYear = 2020

// iso8601Layouts are tried in order. Instances report local times without a
// zone designator for most fields, and zoned times for a few.
var iso8601Layouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseISO8601 parses YYYY-MM-DDThh:mm:ss with optional fractional seconds
// and optional Z or +-HH:MM zone. Times without a zone are interpreted in the
// local zone, which the NTP helper keeps aligned with the instances.
func ParseISO8601(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range iso8601Layouts {
		if strings.HasSuffix(layout, "Z07:00") {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		} else {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t.UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatISO8601 renders a UTC timestamp with a Z designator, second
// precision.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

// clockValid reports whether the wall clock looks NTP-synchronized.
func clockValid(now time.Time) bool {
	return now.Year() >= minValidYear
}

// FormatCountdown renders whole seconds as MM:SS, saturating at 99:59.
func FormatCountdown(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds + 0.5)
	if total > 99*60+59 {
		total = 99*60 + 59
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
