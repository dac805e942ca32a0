// Package config handles ksid configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ksid/config.yaml, /config/config.yaml,
// /etc/ksid/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ksid", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/ksid/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid matching real config
// files on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc()'s list and returns the first that
// exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all ksid configuration.
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Router     RouterConfig     `yaml:"router"`
	Completion CompletionConfig `yaml:"completion"`
	Originator OriginatorConfig `yaml:"originator"`
	Routes     RoutesConfig     `yaml:"routes"`
	Providers  ProvidersConfig  `yaml:"providers"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// TransportConfig defines the Unix-domain-socket ingestion boundary.
type TransportConfig struct {
	// SocketPath is the filesystem path of the Unix socket ksid listens
	// on. Removed and recreated on startup if stale.
	SocketPath string `yaml:"socket_path"`
	// MaxFrameBytes bounds a single inbound JSON frame to guard against
	// a misbehaving client exhausting memory.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// MonitorConfig defines the broadcast event-log sink used by the
// monitor:* boundary events.
type MonitorConfig struct {
	// SubscriberBuffer is the per-subscriber channel buffer size.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// LogFlushEvents is the number of appended events that triggers a
	// batched flush of the durable event log.
	LogFlushEvents int `yaml:"log_flush_events"`
	// LogFlushIntervalMs bounds how long unflushed events may sit before
	// a time-triggered flush, in milliseconds.
	LogFlushIntervalMs int `yaml:"log_flush_interval_ms"`
	// WSAddr, if set, serves the monitor bus as a websocket feed at
	// this address (e.g. ":9090") for dashboards and other local
	// tooling. Empty disables it.
	WSAddr string `yaml:"ws_addr"`
	// WSPath is the HTTP path the websocket feed is mounted on.
	WSPath string `yaml:"ws_path"`
}

// RouterConfig defines the event router's priority lanes and
// supervision defaults.
type RouterConfig struct {
	HighLaneCapacity   int `yaml:"high_lane_capacity"`
	NormalLaneCapacity int `yaml:"normal_lane_capacity"`
	LowLaneCapacity    int `yaml:"low_lane_capacity"`
	// BackpressureTimeoutMs bounds how long an emitter blocks against a
	// full lane before the event is dropped with error:queue_full.
	BackpressureTimeoutMs int `yaml:"backpressure_timeout_ms"`
	// HandlerTimeoutMs is the default per-handler deadline.
	HandlerTimeoutMs int `yaml:"handler_timeout_ms"`
	// MaxDepth bounds chain depth (cycle protection).
	MaxDepth int `yaml:"max_depth"`
	// ShutdownGraceMs bounds how long shutdown waits for in-flight
	// high-priority work to drain.
	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
}

// OriginatorConfig defines the streaming/mirror layer's retention
// policy.
type OriginatorConfig struct {
	// GracePeriodSec is how long a chain's mirror transformer survives
	// after the root handler resolves, absent a terminal event.
	GracePeriodSec int `yaml:"grace_period_sec"`
	// OverflowReportIntervalSec bounds how often error:originator_overflow
	// is emitted for a single saturated return path.
	OverflowReportIntervalSec int `yaml:"overflow_report_interval_sec"`
}

// RoutesConfig defines where persistent/system transformer rules live
// on disk.
type RoutesConfig struct {
	PersistentDir string `yaml:"persistent_dir"`
	SystemDir     string `yaml:"system_dir"`
}

// CompletionConfig defines per-agent completion queue discipline.
type CompletionConfig struct {
	// CallTimeoutSec is the default per-call provider timeout.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// MaxRetries bounds retry attempts for transport/5xx-equivalent
	// provider errors.
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseDelayMs is the base exponential-backoff delay.
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
	// CircuitFailureThreshold is the consecutive-failure count that
	// opens a provider's circuit breaker.
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
	// CircuitWindowSec bounds the window consecutive failures must
	// fall within to count toward the threshold.
	CircuitWindowSec int `yaml:"circuit_window_sec"`
	// CircuitCooldownSec is how long a circuit stays open before a
	// half-open probe is allowed.
	CircuitCooldownSec int `yaml:"circuit_cooldown_sec"`
}

// ProvidersConfig lists configured model providers consulted by the
// completion queue's provider-selection router. The provider adapters
// themselves (the actual API clients) are an external collaborator;
// this config only records enough to score and select among them.
type ProvidersConfig struct {
	Default   string           `yaml:"default"`
	Available []ProviderConfig `yaml:"available"`
}

// ProviderConfig describes one selectable (provider, model) pair.
type ProviderConfig struct {
	Name          string `yaml:"name"`
	Model         string `yaml:"model"`
	Endpoint      string `yaml:"endpoint"` // base URL for the HTTP completion caller
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Speed         int    `yaml:"speed"`          // 1-10
	Quality       int    `yaml:"quality"`        // 1-10
	CostTier      int    `yaml:"cost_tier"`      // 0=local, 1=cheap, 2=moderate, 3=expensive
	MinComplexity string `yaml:"min_complexity"` // simple, moderate, complex
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Transport.SocketPath == "" {
		c.Transport.SocketPath = "/run/ksid/ksid.sock"
	}
	if c.Transport.MaxFrameBytes == 0 {
		c.Transport.MaxFrameBytes = 4 << 20 // 4 MiB
	}
	if c.Monitor.SubscriberBuffer == 0 {
		c.Monitor.SubscriberBuffer = 64
	}
	if c.Monitor.LogFlushEvents == 0 {
		c.Monitor.LogFlushEvents = 50
	}
	if c.Monitor.LogFlushIntervalMs == 0 {
		c.Monitor.LogFlushIntervalMs = 250
	}
	if c.Monitor.WSPath == "" {
		c.Monitor.WSPath = "/monitor/stream"
	}
	if c.Router.HighLaneCapacity == 0 {
		c.Router.HighLaneCapacity = 1000
	}
	if c.Router.NormalLaneCapacity == 0 {
		c.Router.NormalLaneCapacity = 10000
	}
	if c.Router.LowLaneCapacity == 0 {
		c.Router.LowLaneCapacity = 50000
	}
	if c.Router.BackpressureTimeoutMs == 0 {
		c.Router.BackpressureTimeoutMs = 500
	}
	if c.Router.HandlerTimeoutMs == 0 {
		c.Router.HandlerTimeoutMs = 30_000
	}
	if c.Router.MaxDepth == 0 {
		c.Router.MaxDepth = 32
	}
	if c.Router.ShutdownGraceMs == 0 {
		c.Router.ShutdownGraceMs = 10_000
	}
	if c.Originator.GracePeriodSec == 0 {
		c.Originator.GracePeriodSec = 30
	}
	if c.Originator.OverflowReportIntervalSec == 0 {
		c.Originator.OverflowReportIntervalSec = 10
	}
	if c.Routes.PersistentDir == "" {
		c.Routes.PersistentDir = "./routes/persistent"
	}
	if c.Routes.SystemDir == "" {
		c.Routes.SystemDir = "./routes/system"
	}
	if c.Completion.CallTimeoutSec == 0 {
		c.Completion.CallTimeoutSec = 120
	}
	if c.Completion.MaxRetries == 0 {
		c.Completion.MaxRetries = 3
	}
	if c.Completion.RetryBaseDelayMs == 0 {
		c.Completion.RetryBaseDelayMs = 250
	}
	if c.Completion.CircuitFailureThreshold == 0 {
		c.Completion.CircuitFailureThreshold = 5
	}
	if c.Completion.CircuitWindowSec == 0 {
		c.Completion.CircuitWindowSec = 60
	}
	if c.Completion.CircuitCooldownSec == 0 {
		c.Completion.CircuitCooldownSec = 30
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	for i := range c.Providers.Available {
		if c.Providers.Available[i].Name == "" {
			c.Providers.Available[i].Name = "local"
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Transport.SocketPath == "" {
		return fmt.Errorf("transport.socket_path must not be empty")
	}
	if c.Router.MaxDepth < 1 {
		return fmt.Errorf("router.max_depth %d must be >= 1", c.Router.MaxDepth)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Providers: ProvidersConfig{
			Default: "local",
			Available: []ProviderConfig{
				{
					Name:          "local",
					Model:         "qwen3:4b",
					Endpoint:      "http://127.0.0.1:11434",
					SupportsTools: true,
					ContextWindow: 4096,
					Speed:         9,
					Quality:       5,
					CostTier:      0,
					MinComplexity: "simple",
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
