// Package mqtt defines the payload structures exchanged with Home Assistant.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LightState is the JSON-schema light payload used on both command and
// state topics. Brightness runs 0..100.
type LightState struct {
	State      string `json:"state"`
	Brightness int    `json:"brightness"`
}

// NewLightState builds a payload from a brightness percentage; 0 maps to OFF.
func NewLightState(brightness int) LightState {
	if brightness < 0 {
		brightness = 0
	}
	if brightness > 100 {
		brightness = 100
	}
	state := "ON"
	if brightness == 0 {
		state = "OFF"
	}
	return LightState{State: state, Brightness: brightness}
}

// ParseLightState decodes a command payload. "OFF" with no brightness means
// brightness 0; "ON" with no brightness keeps the provided fallback.
func ParseLightState(payload []byte, fallback int) (int, error) {
	var msg struct {
		State      string `json:"state"`
		Brightness *int   `json:"brightness"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("bad light payload: %w", err)
	}
	switch strings.ToUpper(msg.State) {
	case "OFF":
		return 0, nil
	case "ON", "":
		if msg.Brightness == nil {
			return fallback, nil
		}
		b := *msg.Brightness
		if b < 0 {
			b = 0
		}
		if b > 100 {
			b = 100
		}
		return b, nil
	default:
		return 0, fmt.Errorf("bad light state %q", msg.State)
	}
}

// Device is the shared device block embedded in discovery documents so
// Home Assistant groups all entities under one device.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// LightDiscovery is the discovery document for a JSON-schema light.
type LightDiscovery struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	Schema            string `json:"schema"`
	CommandTopic      string `json:"command_topic"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	Brightness        bool   `json:"brightness"`
	BrightnessScale   int    `json:"brightness_scale"`
	Device            Device `json:"device"`
}

// ButtonDiscovery is the discovery document for a stateless button.
type ButtonDiscovery struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	CommandTopic      string `json:"command_topic"`
	PayloadPress      string `json:"payload_press"`
	AvailabilityTopic string `json:"availability_topic"`
	Device            Device `json:"device"`
}
