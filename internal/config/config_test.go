package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 1024*1024, config.Transport.MaxMessageBytes)
	assert.Equal(t, 512*1024, config.Transport.FrameThresholdBytes)
	assert.Equal(t, "127.0.0.1:0", config.HTTP.Addr)
	assert.Contains(t, config.HTTP.RelayAllowedHosts, "*.salesforce.com")
	assert.Equal(t, "api.pubsub.salesforce.com:7443", config.PubSub.Endpoint)
	assert.Equal(t, "/cometd/62.0", config.CometD.Path)
	assert.Equal(t, 3, config.CometD.MaxPollFailures)

	require.NoError(t, config.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  frame_threshold_bytes: 262144
http:
  addr: "127.0.0.1:9321"
  relay_allowed_hosts:
    - "*.example.com"
cometd:
  max_poll_failures: 5
`), 0o600))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 262144, config.Transport.FrameThresholdBytes)
	assert.Equal(t, "127.0.0.1:9321", config.HTTP.Addr)
	assert.Equal(t, []string{"*.example.com"}, config.HTTP.RelayAllowedHosts)
	assert.Equal(t, 5, config.CometD.MaxPollFailures)

	// Untouched sections keep their defaults
	assert.Equal(t, 1024*1024, config.Transport.MaxMessageBytes)
	assert.Equal(t, "api.pubsub.salesforce.com:7443", config.PubSub.Endpoint)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [not a map"), 0o600))

	_, err := LoadConfigFromFile(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SFSTREAMPROXY_HTTP_ADDR", "127.0.0.1:7777")
	t.Setenv("SFSTREAMPROXY_FRAME_THRESHOLD_BYTES", "1024")
	t.Setenv("SFSTREAMPROXY_RELAY_ALLOWED_HOSTS", "a.example.com,b.example.com")
	t.Setenv("SFSTREAMPROXY_LOG_LEVEL", "debug")

	config, err := LoadConfig("", "", "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", config.HTTP.Addr)
	assert.Equal(t, 1024, config.Transport.FrameThresholdBytes)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, config.HTTP.RelayAllowedHosts)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestFlagsBeatEnv(t *testing.T) {
	t.Setenv("SFSTREAMPROXY_LOG_LEVEL", "warn")
	t.Setenv("SFSTREAMPROXY_HTTP_ADDR", "127.0.0.1:7777")

	config, err := LoadConfig("", "trace", "127.0.0.1:8888")
	require.NoError(t, err)

	assert.Equal(t, "trace", config.Logging.Level)
	assert.Equal(t, "127.0.0.1:8888", config.HTTP.Addr)
}

func TestValidateBindHostMustBeLoopback(t *testing.T) {
	// The payload and relay surface must never be reachable off-box
	for _, addr := range []string{"127.0.0.1:0", "127.0.0.2:1", "localhost:8080", "[::1]:9000"} {
		config := DefaultConfig()
		config.HTTP.Addr = addr
		assert.NoError(t, config.Validate(), "addr %s", addr)
	}
	for _, addr := range []string{"0.0.0.0:1", "10.0.0.5:1", "192.168.1.5:80", "example.com:80"} {
		config := DefaultConfig()
		config.HTTP.Addr = addr
		assert.Error(t, config.Validate(), "addr %s", addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "threshold not positive",
			mutate: func(c *Config) { c.Transport.FrameThresholdBytes = 0 },
			errMsg: "frame_threshold_bytes must be positive",
		},
		{
			name:   "threshold at frame ceiling",
			mutate: func(c *Config) { c.Transport.FrameThresholdBytes = c.Transport.MaxMessageBytes },
			errMsg: "must be below",
		},
		{
			name:   "bad http addr",
			mutate: func(c *Config) { c.HTTP.Addr = "localhost" },
			errMsg: "http.addr must be host:port",
		},
		{
			name:   "non-loopback bind host",
			mutate: func(c *Config) { c.HTTP.Addr = "0.0.0.0:9321" },
			errMsg: "not loopback",
		},
		{
			name:   "poll failures below one",
			mutate: func(c *Config) { c.CometD.MaxPollFailures = 0 },
			errMsg: "max_poll_failures must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
