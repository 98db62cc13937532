// Package config implements the device's versioned settings store: a single
// persisted JSON blob with snapshot/apply/save/revert semantics and a
// side-effect dispatcher that signals subsystems when relevant fields change.
package config

import (
	"fmt"
	"strings"
)

// NumInstances is the number of remote instances the device can monitor.
const NumInstances = 3

// CurrentVersion is the schema version of the persisted blob. A stored blob
// with any other version is discarded and replaced with factory defaults.
const CurrentVersion = 7

// OTA release channels.
const (
	OTAChannelStable     = 0
	OTAChannelPrerelease = 1
)

// Auto-rotate page bitmask bits.
const (
	PageSummary  = 0
	PageInstance = 1 // pages 1..3 are instances 0..2
	PageSysInfo  = 4
	PageSettings = 5
	NumPages     = 6
)

const (
	maxURLLen          = 127
	maxFilterColorsLen = 512
	maxThresholdsLen   = 256
)

// Config is the full device configuration. Version must stay the first field
// so a schema check can reject a stale blob before decoding the rest.
type Config struct {
	Version int `json:"config_version"`

	// Network targets
	APIURL    [NumInstances]string `json:"api_url"`
	NTPServer string               `json:"ntp_server"`
	TZString  string               `json:"tz_string"`

	// Display
	ThemeIndex      int `json:"theme_index"`
	Brightness      int `json:"brightness"`       // panel backlight 0..100
	ColorBrightness int `json:"color_brightness"` // text/accent scaling 0..100
	WidgetStyle     int `json:"widget_style"`

	// Operation
	UpdateRateS          int                `json:"update_rate_s"`
	GraphUpdateIntervalS int                `json:"graph_update_interval_s"`
	ConnectionTimeoutS   int                `json:"connection_timeout_s"`
	ToastDurationS       int                `json:"toast_duration_s"`
	InstanceEnabled      [NumInstances]bool `json:"instance_enabled"`
	ActivePageOverride   int                `json:"active_page_override"`
	AutoRotateEnabled    bool               `json:"auto_rotate_enabled"`
	AutoRotateIntervalS  int                `json:"auto_rotate_interval_s"`
	AutoRotateEffect     int                `json:"auto_rotate_effect"`
	AutoRotatePages      int                `json:"auto_rotate_pages"` // bitmask
	AutoRotateSkipDisc   bool               `json:"auto_rotate_skip_disconnected"`
	IdlePollIntervalS    int                `json:"idle_poll_interval_s"`

	// Notification
	AlertFlashEnabled bool   `json:"alert_flash_enabled"`
	MQTTEnabled       bool   `json:"mqtt_enabled"`
	MQTTBrokerURL     string `json:"mqtt_broker_url"`
	MQTTPort          int    `json:"mqtt_port"`
	MQTTUsername      string `json:"mqtt_username"`
	MQTTPassword      string `json:"mqtt_password"`
	MQTTTopicPrefix   string `json:"mqtt_topic_prefix"`

	// OTA
	OTAAutoCheck bool `json:"ota_auto_check"`
	OTAChannel   int  `json:"ota_channel"`

	// Power
	ScreenSleepEnabled  bool `json:"screen_sleep_enabled"`
	ScreenSleepTimeoutS int  `json:"screen_sleep_timeout_s"`
	WiFiModemSleep      bool `json:"wifi_modem_sleep"`

	// UX
	DebugMode bool `json:"debug_mode"`

	// Per-instance JSON documents
	FilterColors  [NumInstances]string `json:"filter_colors"`
	RMSThresholds [NumInstances]string `json:"rms_thresholds"`
	HFRThresholds [NumInstances]string `json:"hfr_thresholds"`
}

// Defaults returns the compiled-in factory configuration.
func Defaults() Config {
	cfg := Config{
		Version:              CurrentVersion,
		NTPServer:            "pool.ntp.org",
		TZString:             "UTC0",
		ThemeIndex:           0,
		Brightness:           80,
		ColorBrightness:      100,
		WidgetStyle:          0,
		UpdateRateS:          2,
		GraphUpdateIntervalS: 5,
		ConnectionTimeoutS:   10,
		ToastDurationS:       5,
		ActivePageOverride:   -1,
		AutoRotateEnabled:    false,
		AutoRotateIntervalS:  30,
		AutoRotateEffect:     0,
		AutoRotatePages:      (1 << PageSummary) | (1 << PageInstance) | (1 << 2) | (1 << 3),
		AutoRotateSkipDisc:   true,
		IdlePollIntervalS:    30,
		AlertFlashEnabled:    true,
		MQTTPort:             1883,
		MQTTTopicPrefix:      "nina-display",
		OTAAutoCheck:         true,
		OTAChannel:           OTAChannelStable,
		ScreenSleepEnabled:   false,
		ScreenSleepTimeoutS:  300,
	}
	for i := 0; i < NumInstances; i++ {
		cfg.InstanceEnabled[i] = i == 0
		cfg.FilterColors[i] = DefaultFilterColorsJSON
		cfg.RMSThresholds[i] = DefaultRMSThresholdsJSON
		cfg.HFRThresholds[i] = DefaultHFRThresholdsJSON
	}
	return cfg
}

// Validate checks field shapes and clamps numeric fields to their documented
// ranges. It returns an error only for fields that cannot be repaired by
// clamping, such as a malformed instance URL.
func Validate(cfg *Config) error {
	for i := 0; i < NumInstances; i++ {
		url := strings.TrimSpace(cfg.APIURL[i])
		if url != "" {
			if len(url) > maxURLLen {
				return fmt.Errorf("instance %d URL exceeds %d characters", i+1, maxURLLen)
			}
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return fmt.Errorf("instance %d URL must start with http:// or https://", i+1)
			}
		}
		cfg.APIURL[i] = url
		if len(cfg.FilterColors[i]) > maxFilterColorsLen {
			return fmt.Errorf("instance %d filter colors exceed %d characters", i+1, maxFilterColorsLen)
		}
		if len(cfg.RMSThresholds[i]) > maxThresholdsLen {
			return fmt.Errorf("instance %d RMS thresholds exceed %d characters", i+1, maxThresholdsLen)
		}
		if len(cfg.HFRThresholds[i]) > maxThresholdsLen {
			return fmt.Errorf("instance %d HFR thresholds exceed %d characters", i+1, maxThresholdsLen)
		}
	}

	cfg.Brightness = clampInt(cfg.Brightness, 0, 100)
	cfg.ColorBrightness = clampInt(cfg.ColorBrightness, 0, 100)
	cfg.WidgetStyle = clampInt(cfg.WidgetStyle, 0, 6)
	cfg.UpdateRateS = clampInt(cfg.UpdateRateS, 1, 10)
	cfg.GraphUpdateIntervalS = clampInt(cfg.GraphUpdateIntervalS, 2, 30)
	cfg.ConnectionTimeoutS = clampInt(cfg.ConnectionTimeoutS, 2, 30)
	cfg.ToastDurationS = clampInt(cfg.ToastDurationS, 3, 30)
	cfg.ActivePageOverride = clampInt(cfg.ActivePageOverride, -1, NumPages)
	cfg.AutoRotateIntervalS = clampInt(cfg.AutoRotateIntervalS, 0, 3600)
	cfg.AutoRotateEffect = clampInt(cfg.AutoRotateEffect, 0, 3)
	cfg.IdlePollIntervalS = clampInt(cfg.IdlePollIntervalS, 5, 120)
	cfg.ScreenSleepTimeoutS = clampInt(cfg.ScreenSleepTimeoutS, 10, 3600)
	cfg.OTAChannel = clampInt(cfg.OTAChannel, OTAChannelStable, OTAChannelPrerelease)

	// Port 0 means "use the protocol default".
	if cfg.MQTTPort == 0 {
		cfg.MQTTPort = 1883
	}
	cfg.MQTTPort = clampInt(cfg.MQTTPort, 1, 65535)

	return nil
}

// EffectiveMQTTPort returns the broker port with the zero-means-default rule
// applied.
func (c *Config) EffectiveMQTTPort() int {
	if c.MQTTPort == 0 {
		return 1883
	}
	return c.MQTTPort
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
