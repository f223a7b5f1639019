// Package config loads the control-plane configuration profile.
//
// Precedence: built-in defaults, then an optional YAML profile file, then
// SYNAPSE_* environment variables. Every field has a documented default and
// readers tolerate missing fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the S.Y.N.A.P.S.E. control plane.
type Config struct {
	Profile string `yaml:"profile"`
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`

	Fleet     FleetConfig     `yaml:"fleet"`
	Router    RouterConfig    `yaml:"router"`
	Cache     CacheConfig     `yaml:"cache"`
	CGRAG     CGRAGConfig     `yaml:"cgrag"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	Events    EventsConfig    `yaml:"events"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// FleetConfig controls the model fleet manager and its health loop.
type FleetConfig struct {
	// RegistryPath is the on-disk model registry document.
	RegistryPath string `yaml:"registry_path"`
	// ModelDir is scanned for GGUF files on rescan.
	ModelDir string `yaml:"model_dir"`
	// PortRangeStart/End is the reserved port range for model servers.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
	// HealthInterval is the per-model health probe period.
	HealthInterval time.Duration `yaml:"health_interval"`
	// FailureThreshold F: consecutive failures before DEGRADED.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryThreshold H: consecutive successes before READY again.
	RecoveryThreshold int `yaml:"recovery_threshold"`
	// ReservationDeadline bounds how long a reservation may be held before
	// the fleet auto-releases it.
	ReservationDeadline time.Duration `yaml:"reservation_deadline"`
	// StartupTimeout bounds OFFLINE→READY transitions.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// RouterConfig controls admission and tier selection.
type RouterConfig struct {
	// MaxConcurrentPerTier caps in-flight reservations per tier.
	MaxConcurrentPerTier int `yaml:"max_concurrent_per_tier"`
	// AllowDowngrade permits FAST↔BALANCED fallback when a tier is empty.
	// Upgrading to POWERFUL is never done silently.
	AllowDowngrade bool `yaml:"allow_downgrade"`
	// RequestDeadline is the overall per-query deadline.
	RequestDeadline time.Duration `yaml:"request_deadline"`
	// GenerateTimeout is the per-turn generation deadline.
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// CGRAGConfig controls retrieval.
type CGRAGConfig struct {
	IndexPath    string        `yaml:"index_path"`
	TokenBudget  int           `yaml:"token_budget"`
	MinRelevance float64       `yaml:"min_relevance"`
	SearchTime   time.Duration `yaml:"search_time"` // bound on one search
}

// DialogueConfig controls multi-turn modes.
type DialogueConfig struct {
	MaxTurns          int `yaml:"max_turns"`
	ModeratorFreq     int `yaml:"moderator_check_frequency"`
	MaxInterjections  int `yaml:"max_interjections"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
	// CoalesceInterval is the telemetry digest period per model (default
	// 500ms, i.e. ≤2 Hz).
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`
}

// EmbedderConfig pins the embedding model server.
type EmbedderConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the documented defaults for every field.
func Default() *Config {
	return &Config{
		Profile: "default",
		Port:    8410,
		Version: "0.4.0",
		Fleet: FleetConfig{
			RegistryPath:        "registry.json",
			ModelDir:            "models",
			PortRangeStart:      8601,
			PortRangeEnd:        8699,
			HealthInterval:      time.Second,
			FailureThreshold:    3,
			RecoveryThreshold:   2,
			ReservationDeadline: 5 * time.Minute,
			StartupTimeout:      90 * time.Second,
		},
		Router: RouterConfig{
			MaxConcurrentPerTier: 4,
			AllowDowngrade:       true,
			RequestDeadline:      10 * time.Minute,
			GenerateTimeout:      2 * time.Minute,
		},
		Cache: CacheConfig{
			MaxEntries: 1024,
			TTL:        30 * time.Minute,
		},
		CGRAG: CGRAGConfig{
			IndexPath:    "index",
			TokenBudget:  8192,
			MinRelevance: 0.7,
			SearchTime:   100 * time.Millisecond,
		},
		Dialogue: DialogueConfig{
			MaxTurns:         6,
			ModeratorFreq:    2,
			MaxInterjections: 3,
		},
		Events: EventsConfig{
			QueueSize:        256,
			CoalesceInterval: 500 * time.Millisecond,
		},
		Embedder: EmbedderConfig{
			Endpoint:  "http://127.0.0.1:8600",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "synapse-control-plane",
		},
	}
}

// Load builds the effective config: defaults, overlaid by the YAML profile at
// path (if non-empty and present), overlaid by SYNAPSE_* env variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config profile %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config profile %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("SYNAPSE_PORT", cfg.Port)
	cfg.Profile = envStr("SYNAPSE_PROFILE", cfg.Profile)
	cfg.Fleet.RegistryPath = envStr("SYNAPSE_REGISTRY_PATH", cfg.Fleet.RegistryPath)
	cfg.Fleet.ModelDir = envStr("SYNAPSE_MODEL_DIR", cfg.Fleet.ModelDir)
	cfg.Fleet.HealthInterval = envDur("SYNAPSE_HEALTH_INTERVAL", cfg.Fleet.HealthInterval)
	cfg.Fleet.FailureThreshold = envInt("SYNAPSE_FAILURE_THRESHOLD", cfg.Fleet.FailureThreshold)
	cfg.Fleet.RecoveryThreshold = envInt("SYNAPSE_RECOVERY_THRESHOLD", cfg.Fleet.RecoveryThreshold)
	cfg.Router.MaxConcurrentPerTier = envInt("SYNAPSE_TIER_CONCURRENCY", cfg.Router.MaxConcurrentPerTier)
	cfg.Router.AllowDowngrade = envBool("SYNAPSE_ALLOW_DOWNGRADE", cfg.Router.AllowDowngrade)
	cfg.Cache.MaxEntries = envInt("SYNAPSE_CACHE_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.TTL = envDur("SYNAPSE_CACHE_TTL", cfg.Cache.TTL)
	cfg.CGRAG.IndexPath = envStr("SYNAPSE_INDEX_PATH", cfg.CGRAG.IndexPath)
	cfg.CGRAG.TokenBudget = envInt("SYNAPSE_CONTEXT_BUDGET", cfg.CGRAG.TokenBudget)
	cfg.Embedder.Endpoint = envStr("SYNAPSE_EMBEDDER_ENDPOINT", cfg.Embedder.Endpoint)
	cfg.Embedder.Model = envStr("SYNAPSE_EMBEDDER_MODEL", cfg.Embedder.Model)
	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
}

func (c *Config) validate() error {
	if c.Fleet.PortRangeStart >= c.Fleet.PortRangeEnd {
		return fmt.Errorf("fleet port range [%d,%d] is empty", c.Fleet.PortRangeStart, c.Fleet.PortRangeEnd)
	}
	if c.Fleet.FailureThreshold < 1 || c.Fleet.RecoveryThreshold < 1 {
		return fmt.Errorf("fleet thresholds must be >= 1")
	}
	if c.Dialogue.ModeratorFreq < 1 || c.Dialogue.ModeratorFreq > 10 {
		return fmt.Errorf("moderator check frequency %d outside [1,10]", c.Dialogue.ModeratorFreq)
	}
	if c.CGRAG.MinRelevance < 0 || c.CGRAG.MinRelevance > 1 {
		return fmt.Errorf("cgrag min relevance %.2f outside [0,1]", c.CGRAG.MinRelevance)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
