package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewClient(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name: "valid config",
			config: &Config{
				BrokerURL:            "tcp://localhost:1883",
				ClientID:             "test-client",
				KeepAlive:            30 * time.Second,
				ConnectTimeout:       5 * time.Second,
				AutoReconnect:        true,
				MaxReconnectInterval: 1 * time.Minute,
			},
			wantErr: false,
		},
		{
			name: "with last will",
			config: &Config{
				BrokerURL:      "tcp://localhost:1883",
				ClientID:       "test-client",
				KeepAlive:      30 * time.Second,
				ConnectTimeout: 5 * time.Second,
				WillTopic:      "nina-display/status",
				WillPayload:    StatusOffline,
				WillRetained:   true,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config, nil, logger)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, client)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, client)
				assert.NotNil(t, client.client)
				assert.NotNil(t, client.logger)
				assert.Equal(t, tt.config, client.config)
			}
		})
	}
}

func TestClientIsConnected(t *testing.T) {
	logger := zap.NewNop()
	config := &Config{
		BrokerURL:            "tcp://localhost:1883",
		ClientID:             "test-client",
		KeepAlive:            30 * time.Second,
		ConnectTimeout:       5 * time.Second,
		AutoReconnect:        true,
		MaxReconnectInterval: 1 * time.Minute,
	}

	client, err := NewClient(config, nil, logger)
	assert.NoError(t, err)
	assert.NotNil(t, client)

	// Should not be connected initially
	assert.False(t, client.IsConnected())
}

func TestTopics(t *testing.T) {
	topics := NewTopics("obs-display")

	assert.Equal(t, "obs-display/screen/set", topics.ScreenSet())
	assert.Equal(t, "obs-display/screen/state", topics.ScreenState())
	assert.Equal(t, "obs-display/text/set", topics.TextSet())
	assert.Equal(t, "obs-display/text/state", topics.TextState())
	assert.Equal(t, "obs-display/reboot/set", topics.RebootSet())
	assert.Equal(t, "obs-display/status", topics.Availability())
	assert.Equal(t, "homeassistant/light/obs-display_screen/config", topics.LightDiscovery("screen"))
	assert.Equal(t, "homeassistant/button/obs-display_reboot/config", topics.ButtonDiscovery("reboot"))
}

func TestSanitizePrefix(t *testing.T) {
	assert.Equal(t, "nina-display", SanitizePrefix(""))
	assert.Equal(t, "nina-display", SanitizePrefix("+/#"))
	assert.Equal(t, "obsroom2", SanitizePrefix("obs/room 2#"))
	assert.Equal(t, "scope", SanitizePrefix("scope"))
}

func TestValidateTopic(t *testing.T) {
	assert.True(t, ValidateTopic("nina-display/screen/set"))
	assert.False(t, ValidateTopic(""))
	assert.False(t, ValidateTopic("a//b"))
	assert.False(t, ValidateTopic("a/+/b"))
	assert.False(t, ValidateTopic("a/#"))
}

func TestLightStatePayloads(t *testing.T) {
	assert.Equal(t, LightState{State: "ON", Brightness: 80}, NewLightState(80))
	assert.Equal(t, LightState{State: "OFF", Brightness: 0}, NewLightState(0))
	assert.Equal(t, LightState{State: "ON", Brightness: 100}, NewLightState(250))

	b, err := ParseLightState([]byte(`{"state":"ON","brightness":55}`), 80)
	assert.NoError(t, err)
	assert.Equal(t, 55, b)

	b, err = ParseLightState([]byte(`{"state":"OFF"}`), 80)
	assert.NoError(t, err)
	assert.Equal(t, 0, b)

	// ON without brightness restores the previous level.
	b, err = ParseLightState([]byte(`{"state":"ON"}`), 65)
	assert.NoError(t, err)
	assert.Equal(t, 65, b)

	_, err = ParseLightState([]byte(`nope`), 80)
	assert.Error(t, err)

	_, err = ParseLightState([]byte(`{"state":"MAYBE"}`), 80)
	assert.Error(t, err)
}
