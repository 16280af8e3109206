package config

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func validConfig() *Config {
	return &Config{
		DeviceID:          "34020000001320000001",
		PlatformID:        "34020000002000000001",
		Transport:         "udp",
		LocalPort:         5080,
		PlatformPort:      5060,
		MaxChannels:       20,
		SafeDatagramBytes: 1400,
		RegisterExpires:   time.Hour,
		KeepaliveInterval: time.Minute,
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short device id", func(c *Config) { c.DeviceID = "340200" }},
		{"non-numeric device id", func(c *Config) { c.DeviceID = "3402000000132000000X" }},
		{"short platform id", func(c *Config) { c.PlatformID = "34020000002" }},
		{"bad transport", func(c *Config) { c.Transport = "sctp" }},
		{"local port zero", func(c *Config) { c.LocalPort = 0 }},
		{"platform port high", func(c *Config) { c.PlatformPort = 70000 }},
		{"zero channels", func(c *Config) { c.MaxChannels = 0 }},
		{"tiny datagram budget", func(c *Config) { c.SafeDatagramBytes = 100 }},
		{"keepalive not shorter than expires", func(c *Config) { c.KeepaliveInterval = time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_DefaultsAndUsernameFallback(t *testing.T) {
	t.Setenv("DEVICE_ID", "34020000001320000009")
	t.Setenv("SIP_USERNAME", "")

	cfg, err := Load(newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "34020000001320000009", cfg.DeviceID)
	// Username falls back to the device identifier.
	assert.Equal(t, cfg.DeviceID, cfg.Username)
	assert.Equal(t, 20, cfg.MaxChannels)
	assert.Equal(t, 1400, cfg.SafeDatagramBytes)
	assert.Equal(t, time.Hour, cfg.RegisterExpires)
	assert.Equal(t, "udp", cfg.Transport)
}

func TestLoad_BareSecondsDuration(t *testing.T) {
	t.Setenv("REGISTER_EXPIRES", "3600")
	t.Setenv("KEEPALIVE_INTERVAL", "30s")

	cfg, err := Load(newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.RegisterExpires)
	assert.Equal(t, 30*time.Second, cfg.KeepaliveInterval)
}

func TestParseMediaSources(t *testing.T) {
	sources := parseMediaSources("rtsp://cam-a/stream|Front Door, rtsp://cam-b/live ,")
	require.Len(t, sources, 2)
	assert.Equal(t, "rtsp://cam-a/stream", sources[0].Ref)
	assert.Equal(t, "Front Door", sources[0].Name)
	assert.Equal(t, "rtsp://cam-b/live", sources[1].Ref)
	// Name defaults to the last path segment.
	assert.Equal(t, "live", sources[1].Name)

	assert.Nil(t, parseMediaSources(""))
}

func TestURIs(t *testing.T) {
	cfg := validConfig()
	cfg.PlatformHost = "192.0.2.10"
	assert.Equal(t, "sip:34020000002000000001@192.0.2.10:5060", cfg.PlatformURI())
	assert.Equal(t, "sip:34020000001320000001@192.0.2.10:5060", cfg.DeviceURI())
}
