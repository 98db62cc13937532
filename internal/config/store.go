package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Hooks receives side-effect signals when Apply detects a relevant field
// change. All callbacks are optional and are invoked synchronously, in a
// fixed order, on the applying goroutine before Apply returns.
type Hooks struct {
	// SetPanelBrightness is called when the backlight percentage changes.
	SetPanelBrightness func(pct int)
	// RequestRetheme is called when the theme index or color brightness
	// changes. The display side owns its own locking.
	RequestRetheme func(themeIndex, colorBrightness int)
	// InstanceChanged is called once per instance whose URL or enable flag
	// changed, so the scheduler can reset that slot's poll state.
	InstanceChanged func(instance int)
	// MQTTChanged is called when any MQTT field changes; enabled carries
	// the new enable flag.
	MQTTChanged func(enabled bool)
	// DebugChanged is called when debug mode toggles.
	DebugChanged func(enabled bool)
}

// Store owns the live configuration. One writer at a time; readers get
// by-value snapshots.
type Store struct {
	mu     sync.RWMutex
	live   Config
	dirty  bool
	path   string
	hooks  Hooks
	logger *zap.Logger
}

// NewStore loads the persisted blob from path, or installs factory defaults
// when the file is missing or carries a different schema version.
func NewStore(path string, hooks Hooks, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		hooks:  hooks,
		logger: logger.With(zap.String("subsystem", "config")),
	}

	cfg, err := s.load()
	if err != nil {
		s.logger.Warn("Installing factory defaults", zap.Error(err))
		cfg = Defaults()
		if err := s.persist(cfg); err != nil {
			return nil, fmt.Errorf("failed to persist defaults: %w", err)
		}
	}
	s.live = cfg
	return s, nil
}

// load reads and validates the persisted blob. The version field is checked
// before anything else is trusted.
func (s *Store) load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var probe struct {
		Version int `json:"config_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if probe.Version != CurrentVersion {
		return Config{}, fmt.Errorf("config version mismatch: stored %d, expected %d", probe.Version, CurrentVersion)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("stored config invalid: %w", err)
	}
	return cfg, nil
}

// persist writes the blob atomically: temp file in the same directory, fsync,
// rename over the target.
func (s *Store) persist(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Snapshot returns a by-value copy of the live configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Apply validates the new configuration, replaces the in-memory copy, marks
// the store dirty, and dispatches side-effects for every changed field group.
// It does not persist.
func (s *Store) Apply(next Config) error {
	if err := Validate(&next); err != nil {
		return err
	}
	next.Version = CurrentVersion

	s.mu.Lock()
	old := s.live
	s.live = next
	s.dirty = true
	s.mu.Unlock()

	s.dispatch(old, next)
	return nil
}

// Save applies the configuration and persists it atomically.
func (s *Store) Save(next Config) error {
	if err := s.Apply(next); err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.live
	s.mu.Unlock()

	if err := s.persist(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	s.logger.Info("Configuration saved")
	return nil
}

// Revert reloads the persisted blob, discarding unsaved changes, and
// dispatches side-effects as if the fields flipped back.
func (s *Store) Revert() error {
	cfg, err := s.load()
	if err != nil {
		return fmt.Errorf("failed to revert: %w", err)
	}

	s.mu.Lock()
	old := s.live
	s.live = cfg
	s.dirty = false
	s.mu.Unlock()

	s.dispatch(old, cfg)
	s.logger.Info("Configuration reverted")
	return nil
}

// IsDirty reports whether the live configuration differs from the persisted
// blob.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// FactoryReset overwrites the configuration with compiled-in defaults and
// persists them.
func (s *Store) FactoryReset() error {
	s.logger.Warn("Factory reset")
	return s.Save(Defaults())
}

// dispatch compares old and new and fires hooks in a fixed order: panel
// brightness, retheme, per-instance, MQTT, debug.
func (s *Store) dispatch(old, next Config) {
	if next.Brightness != old.Brightness && s.hooks.SetPanelBrightness != nil {
		s.hooks.SetPanelBrightness(next.Brightness)
	}
	if (next.ThemeIndex != old.ThemeIndex || next.ColorBrightness != old.ColorBrightness) &&
		s.hooks.RequestRetheme != nil {
		s.hooks.RequestRetheme(next.ThemeIndex, next.ColorBrightness)
	}
	if s.hooks.InstanceChanged != nil {
		for i := 0; i < NumInstances; i++ {
			if next.APIURL[i] != old.APIURL[i] || next.InstanceEnabled[i] != old.InstanceEnabled[i] {
				s.hooks.InstanceChanged(i)
			}
		}
	}
	if mqttFieldsChanged(old, next) && s.hooks.MQTTChanged != nil {
		s.hooks.MQTTChanged(next.MQTTEnabled)
	}
	if next.DebugMode != old.DebugMode && s.hooks.DebugChanged != nil {
		s.hooks.DebugChanged(next.DebugMode)
	}
}

func mqttFieldsChanged(old, next Config) bool {
	return next.MQTTEnabled != old.MQTTEnabled ||
		next.MQTTBrokerURL != old.MQTTBrokerURL ||
		next.MQTTPort != old.MQTTPort ||
		next.MQTTUsername != old.MQTTUsername ||
		next.MQTTPassword != old.MQTTPassword ||
		next.MQTTTopicPrefix != old.MQTTTopicPrefix
}

// Thresholds returns the parsed threshold pair for the instance, falling back
// to defaults when the stored document is malformed.
func (s *Store) Thresholds(kind ThresholdKind, instance int) Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if instance < 0 || instance >= NumInstances {
		return defaultThresholds(kind)
	}
	doc := s.live.RMSThresholds[instance]
	if kind == ThresholdHFR {
		doc = s.live.HFRThresholds[instance]
	}
	return parseThresholds(doc, defaultThresholds(kind))
}

// RMSBand classifies a guiding RMS sample for the instance.
func (s *Store) RMSBand(value float64, instance int) Band {
	return s.Thresholds(ThresholdRMS, instance).Classify(value)
}

// HFRBand classifies an HFR sample for the instance.
func (s *Store) HFRBand(value float64, instance int) Band {
	return s.Thresholds(ThresholdHFR, instance).Classify(value)
}

// FilterColor returns the configured color for a filter name with the final
// color-brightness scaling applied.
func (s *Store) FilterColor(name string, instance int) RGB {
	s.mu.RLock()
	doc := DefaultFilterColorsJSON
	if instance >= 0 && instance < NumInstances {
		doc = s.live.FilterColors[instance]
	}
	pct := s.live.ColorBrightness
	s.mu.RUnlock()

	hex, ok := parseFilterColors(doc)[name]
	if !ok {
		hex = defaultUnknownFilterColor
	}
	c, err := ParseHexColor(hex)
	if err != nil {
		c, _ = ParseHexColor(defaultUnknownFilterColor)
	}
	return ApplyBrightness(c, pct)
}

// SyncFilters merges the instance's reported filter names into its color
// document: new names get default colors, stale names are removed, existing
// assignments survive. The updated document is persisted. Calling with an
// empty list is a no-op.
func (s *Store) SyncFilters(names []string, instance int) error {
	if instance < 0 || instance >= NumInstances || len(names) == 0 {
		return nil
	}

	s.mu.Lock()
	merged, changed := mergeFilters(s.live.FilterColors[instance], names)
	if !changed {
		s.mu.Unlock()
		return nil
	}
	s.live.FilterColors[instance] = merged
	cfg := s.live
	s.mu.Unlock()

	s.logger.Info("Filter colors synchronized",
		zap.Int("instance", instance),
		zap.Int("filters", len(names)))
	return s.persist(cfg)
}
