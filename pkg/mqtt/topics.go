// Package mqtt defines the topic layout for the Home Assistant integration.
package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout under the configurable device prefix:
//
//	<prefix>/screen/set     backlight command (JSON light payload)
//	<prefix>/screen/state   backlight state, retained
//	<prefix>/text/set       text brightness command
//	<prefix>/text/state     text brightness state, retained
//	<prefix>/reboot/set     reboot button press
//	<prefix>/status         availability: "online" birth / "offline" will
//
// Discovery documents live under the Home Assistant discovery prefix.
const (
	// DiscoveryPrefix is the Home Assistant auto-discovery root.
	DiscoveryPrefix = "homeassistant"

	// StatusOnline and StatusOffline are the availability payloads.
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Topics is the resolved topic set for one device prefix.
type Topics struct {
	prefix string
}

// NewTopics builds the topic set. The prefix is sanitized: empty segments
// and MQTT wildcards are stripped.
func NewTopics(prefix string) Topics {
	return Topics{prefix: SanitizePrefix(prefix)}
}

// Prefix returns the sanitized device prefix.
func (t Topics) Prefix() string { return t.prefix }

// ScreenSet is the backlight command topic.
func (t Topics) ScreenSet() string { return t.prefix + "/screen/set" }

// ScreenState is the retained backlight state topic.
func (t Topics) ScreenState() string { return t.prefix + "/screen/state" }

// TextSet is the text brightness command topic.
func (t Topics) TextSet() string { return t.prefix + "/text/set" }

// TextState is the retained text brightness state topic.
func (t Topics) TextState() string { return t.prefix + "/text/state" }

// RebootSet is the reboot button command topic.
func (t Topics) RebootSet() string { return t.prefix + "/reboot/set" }

// Availability is the birth/will topic.
func (t Topics) Availability() string { return t.prefix + "/status" }

// LightDiscovery returns the discovery config topic for a light entity.
func (t Topics) LightDiscovery(object string) string {
	return fmt.Sprintf("%s/light/%s_%s/config", DiscoveryPrefix, t.prefix, object)
}

// ButtonDiscovery returns the discovery config topic for a button entity.
func (t Topics) ButtonDiscovery(object string) string {
	return fmt.Sprintf("%s/button/%s_%s/config", DiscoveryPrefix, t.prefix, object)
}

// SanitizePrefix strips characters that break topic matching. A prefix that
// sanitizes to nothing falls back to "nina-display".
func SanitizePrefix(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '+', '#', '/', ' ':
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "nina-display"
	}
	return b.String()
}

// ValidateTopic reports whether a topic is publishable: non-empty, no
// wildcards, no empty segments.
func ValidateTopic(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return false
	}
	for _, part := range strings.Split(topic, "/") {
		if part == "" {
			return false
		}
	}
	return true
}
