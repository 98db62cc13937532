package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/pkg/mqtt"
)

const (
	mqttKeepAlive      = 30 * time.Second
	mqttConnectTimeout = 10 * time.Second
	mqttMaxReconnect   = time.Minute
)

// StartMQTT connects the Home Assistant bridge per the current
// configuration. A no-op when MQTT is disabled or a client already runs.
func (r *Router) StartMQTT() error {
	cfg := r.cfg.Snapshot()

	r.mu.Lock()
	if r.client != nil || !cfg.MQTTEnabled || cfg.MQTTBrokerURL == "" {
		r.mu.Unlock()
		return nil
	}
	topics := mqtt.NewTopics(cfg.MQTTTopicPrefix)
	r.topics = topics
	r.mu.Unlock()

	clientCfg := &mqtt.Config{
		BrokerURL:            brokerAddress(cfg.MQTTBrokerURL, cfg.EffectiveMQTTPort()),
		ClientID:             fmt.Sprintf("%s-%s", topics.Prefix(), uuid.NewString()[:8]),
		Username:             cfg.MQTTUsername,
		Password:             cfg.MQTTPassword,
		KeepAlive:            mqttKeepAlive,
		ConnectTimeout:       mqttConnectTimeout,
		AutoReconnect:        true,
		MaxReconnectInterval: mqttMaxReconnect,
		WillTopic:            topics.Availability(),
		WillPayload:          mqtt.StatusOffline,
		WillRetained:         true,
	}

	client, err := mqtt.NewClient(clientCfg, r.onMQTTConnect, r.logger)
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	if err := client.Connect(); err != nil {
		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// StopMQTT publishes offline and disconnects. Safe when not running.
func (r *Router) StopMQTT() {
	r.mu.Lock()
	client := r.client
	topics := r.topics
	r.client = nil
	r.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Publish(topics.Availability(), 1, true, []byte(mqtt.StatusOffline))
	}
	client.Disconnect()
}

// MQTTConnected reports whether the broker link is up.
func (r *Router) MQTTConnected() bool {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	return client != nil && client.IsConnected()
}

// RestartMQTT applies changed broker settings. Wired to the config store's
// MQTT dispatch hook.
func (r *Router) RestartMQTT() {
	r.StopMQTT()
	if err := r.StartMQTT(); err != nil {
		r.logger.Warn("MQTT restart failed", zap.Error(err))
	}
}

// onMQTTConnect runs on every (re)connection: discovery documents, birth
// message, command subscriptions, then the current states.
func (r *Router) onMQTTConnect() {
	r.mu.Lock()
	client := r.client
	topics := r.topics
	r.mu.Unlock()
	if client == nil {
		return
	}

	device := mqtt.Device{
		Identifiers:  []string{topics.Prefix()},
		Name:         "NINA Display",
		Model:        "nina-display",
		Manufacturer: "unklstewy",
		SWVersion:    r.version,
	}

	discoveries := []struct {
		topic   string
		payload interface{}
	}{
		{topics.LightDiscovery("screen"), mqtt.LightDiscovery{
			Name:              "Screen Backlight",
			UniqueID:          topics.Prefix() + "_screen",
			Schema:            "json",
			CommandTopic:      topics.ScreenSet(),
			StateTopic:        topics.ScreenState(),
			AvailabilityTopic: topics.Availability(),
			Brightness:        true,
			BrightnessScale:   100,
			Device:            device,
		}},
		{topics.LightDiscovery("text"), mqtt.LightDiscovery{
			Name:              "Text Brightness",
			UniqueID:          topics.Prefix() + "_text",
			Schema:            "json",
			CommandTopic:      topics.TextSet(),
			StateTopic:        topics.TextState(),
			AvailabilityTopic: topics.Availability(),
			Brightness:        true,
			BrightnessScale:   100,
			Device:            device,
		}},
		{topics.ButtonDiscovery("reboot"), mqtt.ButtonDiscovery{
			Name:              "Reboot",
			UniqueID:          topics.Prefix() + "_reboot",
			CommandTopic:      topics.RebootSet(),
			PayloadPress:      "PRESS",
			AvailabilityTopic: topics.Availability(),
			Device:            device,
		}},
	}
	for _, d := range discoveries {
		if err := client.PublishJSON(d.topic, 1, true, d.payload); err != nil {
			r.logger.Warn("Discovery publish failed",
				zap.String("topic", d.topic), zap.Error(err))
		}
	}

	client.Publish(topics.Availability(), 1, true, []byte(mqtt.StatusOnline))

	client.Subscribe(topics.ScreenSet(), 1, r.handleScreenSet)
	client.Subscribe(topics.TextSet(), 1, r.handleTextSet)
	client.Subscribe(topics.RebootSet(), 1, r.handleRebootSet)

	cfg := r.cfg.Snapshot()
	r.PublishScreenState(cfg.Brightness)
	r.PublishTextState(cfg.ColorBrightness)
}

func (r *Router) handleScreenSet(_ string, payload []byte) error {
	cfg := r.cfg.Snapshot()
	brightness, err := mqtt.ParseLightState(payload, cfg.Brightness)
	if err != nil {
		return err
	}
	cfg.Brightness = brightness
	return r.cfg.Apply(cfg)
}

func (r *Router) handleTextSet(_ string, payload []byte) error {
	cfg := r.cfg.Snapshot()
	brightness, err := mqtt.ParseLightState(payload, cfg.ColorBrightness)
	if err != nil {
		return err
	}
	cfg.ColorBrightness = brightness
	return r.cfg.Apply(cfg)
}

func (r *Router) handleRebootSet(_ string, _ []byte) error {
	r.logger.Info("Reboot requested over MQTT")
	if r.OnReboot != nil {
		r.OnReboot()
	}
	return nil
}

// PublishScreenState mirrors the panel brightness to Home Assistant.
// Retained so the entity restores after a broker restart.
func (r *Router) PublishScreenState(brightness int) {
	r.publishState(func(t mqtt.Topics) string { return t.ScreenState() }, brightness)
}

// PublishTextState mirrors the text brightness to Home Assistant.
func (r *Router) PublishTextState(brightness int) {
	r.publishState(func(t mqtt.Topics) string { return t.TextState() }, brightness)
}

func (r *Router) publishState(topic func(mqtt.Topics) string, brightness int) {
	r.mu.Lock()
	client := r.client
	topics := r.topics
	r.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}
	if err := client.PublishJSON(topic(topics), 1, true, mqtt.NewLightState(brightness)); err != nil {
		r.logger.Warn("State publish failed", zap.Error(err))
	}
}

// brokerAddress normalizes a configured broker host to a paho URL.
func brokerAddress(host string, port int) string {
	if strings.Contains(host, "://") {
		return host
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}
