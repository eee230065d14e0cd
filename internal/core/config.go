package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire detection-core configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Queue       QueueConfig       `yaml:"queue"`
	Detection   DetectionConfig   `yaml:"detection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Features    FeaturesConfig    `yaml:"features"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BusConfig holds NATS event stream settings. Subject is the telemetry
// topic, Durable the consumer group identity.
type BusConfig struct {
	URL              string `yaml:"url"`
	Embedded         bool   `yaml:"embedded"`
	DataDir          string `yaml:"data_dir"`
	Port             int    `yaml:"port"`
	Subject          string `yaml:"subject"`
	IncidentsSubject string `yaml:"incidents_subject"`
	Durable          string `yaml:"durable"`
	Workers          int    `yaml:"workers"`
}

// StoreConfig holds persistence backend settings. An empty DSN selects the
// in-memory store (useful for local runs and tests).
type StoreConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// QueueConfig controls the persistence queue and writer.
type QueueConfig struct {
	Capacity     int           `yaml:"capacity"`
	MaxRetries   int           `yaml:"max_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DetectionConfig holds incident decision thresholds on the 0-10 risk scale.
// These mirror the tuning of the original platform and are deliberately
// configuration, not constants.
type DetectionConfig struct {
	HighRiskThreshold  float64 `yaml:"high_risk_threshold"`
	IndicatorThreshold float64 `yaml:"indicator_threshold"`
	CriticalCutoff     float64 `yaml:"critical_cutoff"`
	HighCutoff         float64 `yaml:"high_cutoff"`
	MediumCutoff       float64 `yaml:"medium_cutoff"`
}

// CorrelationConfig controls the history lookup for pattern analysis.
type CorrelationConfig struct {
	Window     string        `yaml:"window"`   // e.g. "5m", "1h", "2d"
	GroupBy    []string      `yaml:"group_by"` // correlation key fields
	QueryLimit int           `yaml:"query_limit"`
	CacheSize  int           `yaml:"cache_size"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// FeaturesConfig controls feature extraction.
type FeaturesConfig struct {
	Dimension       int     `yaml:"dimension"`
	RarityEventType float64 `yaml:"rarity_event_type"`
	RarityUser      float64 `yaml:"rarity_user"`
	RarityAsset     float64 `yaml:"rarity_asset"`
}

// ScoringConfig controls the classifier ensemble.
type ScoringConfig struct {
	Weights       map[string]float64 `yaml:"weights"`
	DefaultWeight float64            `yaml:"default_weight"`
	Timeout       time.Duration      `yaml:"timeout"`
	Classifiers   []ClassifierConfig `yaml:"classifiers"`
}

// ClassifierConfig points at one external classifier collaborator.
type ClassifierConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// OracleConfig points at the external AI analysis collaborator consulted
// fire-and-forget for incident-worthy events.
type OracleConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig holds the prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box against an embedded broker and the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:              "nats://127.0.0.1:4222",
			Embedded:         true,
			DataDir:          "./data/nats",
			Port:             4222,
			Subject:          "telemetry.events",
			IncidentsSubject: "telemetry.incidents",
			Durable:          "nodeguard-detection",
			Workers:          4,
		},
		Store: StoreConfig{
			DSN:      "",
			MaxConns: 8,
		},
		Queue: QueueConfig{
			Capacity:     100,
			MaxRetries:   3,
			BackoffBase:  250 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			DrainTimeout: 5 * time.Second,
		},
		Detection: DetectionConfig{
			HighRiskThreshold:  7.0,
			IndicatorThreshold: 8.0,
			CriticalCutoff:     9.0,
			HighCutoff:         7.0,
			MediumCutoff:       5.0,
		},
		Correlation: CorrelationConfig{
			Window:     "5m",
			GroupBy:    []string{"source_ip"},
			QueryLimit: 100,
			CacheSize:  512,
			CacheTTL:   2 * time.Second,
		},
		Features: FeaturesConfig{
			Dimension:       20,
			RarityEventType: 0.01,
			RarityUser:      0.05,
			RarityAsset:     0.05,
		},
		Scoring: ScoringConfig{
			Weights: map[string]float64{
				"xgboost":          0.4,
				"random_forest":    0.35,
				"isolation_forest": 0.25,
			},
			DefaultWeight: 0.2,
			Timeout:       2 * time.Second,
		},
		Oracle: OracleConfig{
			Enabled: false,
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// The store DSN usually carries credentials; allow it from the
	// environment so config files can stay secret-free.
	if env := os.Getenv("NODEGUARD_STORE_DSN"); env != "" {
		cfg.Store.DSN = env
	}
	if env := os.Getenv("NODEGUARD_BUS_URL"); env != "" {
		cfg.Bus.URL = env
		cfg.Bus.Embedded = false
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
