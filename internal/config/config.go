package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration
type Config struct {
	Transport    TransportConfig    `yaml:"transport"`
	HTTP         HTTPConfig         `yaml:"http"`
	PayloadStore PayloadStoreConfig `yaml:"payload_store"`
	PubSub       PubSubConfig       `yaml:"pubsub"`
	CometD       CometDConfig       `yaml:"cometd"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// TransportConfig contains Native Messaging settings
type TransportConfig struct {
	// Hard per-frame ceiling imposed by Chrome for messages sent to
	// the extension.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// Payloads whose serialized size exceeds this are shelved in the
	// payload store and referenced by token instead of travelling in
	// the frame. Must leave headroom under MaxMessageBytes for the
	// JSON envelope.
	FrameThresholdBytes int `yaml:"frame_threshold_bytes"`
}

// HTTPConfig contains loopback HTTP server settings
type HTTPConfig struct {
	// Bind address; port 0 lets the OS pick an ephemeral port.
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`

	// Host patterns the relay endpoint may call. Entries are either
	// exact hosts or "*." wildcard suffix patterns.
	RelayAllowedHosts []string `yaml:"relay_allowed_hosts"`

	// Relay upstream call timeout in seconds.
	RelayTimeout int `yaml:"relay_timeout"`
}

// PayloadStoreConfig bounds the large-payload side-channel
type PayloadStoreConfig struct {
	// Seconds an unfetched payload survives before the sweep purges it.
	TTLSeconds int `yaml:"ttl_seconds"`

	// Sweep interval in seconds.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// Maximum number of shelved payloads held at once; oldest entries
	// are evicted beyond this.
	MaxEntries int `yaml:"max_entries"`
}

// PubSubConfig contains gRPC Pub/Sub API settings
type PubSubConfig struct {
	// Pub/Sub API endpoint host:port.
	Endpoint string `yaml:"endpoint"`

	// Stream-open timeout in seconds.
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`

	// Events requested per flow-control window.
	BatchSize int `yaml:"batch_size"`
}

// CometDConfig contains Bayeux long-polling settings
type CometDConfig struct {
	// Bayeux endpoint path appended to the instance URL.
	Path string `yaml:"path"`

	// Handshake timeout in seconds.
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`

	// Grace margin in seconds added to the server-advertised
	// long-poll timeout before a poll counts as failed.
	PollGraceSeconds int `yaml:"poll_grace_seconds"`

	// Consecutive poll failures tolerated before the connection and
	// every subscription on it are abandoned.
	MaxPollFailures int `yaml:"max_poll_failures"`

	// Initial retry backoff in milliseconds.
	RetryInitialMs int `yaml:"retry_initial_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	IncludeCaller bool   `yaml:"include_caller"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ServiceName   string  `yaml:"service_name"`
	Endpoint      string  `yaml:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			MaxMessageBytes:     1024 * 1024,
			FrameThresholdBytes: 512 * 1024,
		},
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:0",
			ReadTimeout:  10,
			WriteTimeout: 30,
			IdleTimeout:  120,
			RelayAllowedHosts: []string{
				"*.salesforce.com",
				"*.force.com",
				"*.cloudforce.com",
				"*.salesforce-setup.com",
			},
			RelayTimeout: 30,
		},
		PayloadStore: PayloadStoreConfig{
			TTLSeconds:           120,
			SweepIntervalSeconds: 15,
			MaxEntries:           256,
		},
		PubSub: PubSubConfig{
			Endpoint:           "api.pubsub.salesforce.com:7443",
			OpenTimeoutSeconds: 15,
			BatchSize:          100,
		},
		CometD: CometDConfig{
			Path:                    "/cometd/62.0",
			HandshakeTimeoutSeconds: 15,
			PollGraceSeconds:        10,
			MaxPollFailures:         3,
			RetryInitialMs:          500,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "sfstreamproxy",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, logLevel string, httpAddr string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags take highest priority
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if httpAddr != "" {
		config.HTTP.Addr = httpAddr
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Transport.FrameThresholdBytes <= 0 {
		return fmt.Errorf("transport.frame_threshold_bytes must be positive")
	}
	if c.Transport.FrameThresholdBytes >= c.Transport.MaxMessageBytes {
		return fmt.Errorf("transport.frame_threshold_bytes (%d) must be below transport.max_message_bytes (%d)",
			c.Transport.FrameThresholdBytes, c.Transport.MaxMessageBytes)
	}
	host, _, err := net.SplitHostPort(c.HTTP.Addr)
	if err != nil || host == "" {
		return fmt.Errorf("http.addr must be host:port, got %q", c.HTTP.Addr)
	}
	if !loopbackHost(host) {
		return fmt.Errorf("http.addr host %q is not loopback; the payload and relay surface must stay local", host)
	}
	if c.CometD.MaxPollFailures < 1 {
		return fmt.Errorf("cometd.max_poll_failures must be at least 1")
	}
	return nil
}

// loopbackHost reports whether a bind host keeps the server loopback-only
func loopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("SFSTREAMPROXY_HTTP_ADDR"); addr != "" {
		config.HTTP.Addr = addr
	}
	if endpoint := os.Getenv("SFSTREAMPROXY_PUBSUB_ENDPOINT"); endpoint != "" {
		config.PubSub.Endpoint = endpoint
	}
	if thresholdStr := os.Getenv("SFSTREAMPROXY_FRAME_THRESHOLD_BYTES"); thresholdStr != "" {
		if val, err := strconv.Atoi(thresholdStr); err == nil {
			config.Transport.FrameThresholdBytes = val
		}
	}
	if ttlStr := os.Getenv("SFSTREAMPROXY_PAYLOAD_TTL_SECONDS"); ttlStr != "" {
		if val, err := strconv.Atoi(ttlStr); err == nil {
			config.PayloadStore.TTLSeconds = val
		}
	}
	if hosts := os.Getenv("SFSTREAMPROXY_RELAY_ALLOWED_HOSTS"); hosts != "" {
		config.HTTP.RelayAllowedHosts = strings.Split(hosts, ",")
	}
	if level := os.Getenv("SFSTREAMPROXY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("SFSTREAMPROXY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
