package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Collator      CollatorConfig      `yaml:"collator"`
	Cache         CacheConfig         `yaml:"cache"`
	Ingest        IngestConfig        `yaml:"ingest"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	Backend         string   `yaml:"backend"` // "s3" or "memory"
	Endpoint        string   `yaml:"endpoint"`
	Region          string   `yaml:"region"`
	Bucket          string   `yaml:"bucket"`
	Prefix          string   `yaml:"prefix"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	ForcePathStyle  bool     `yaml:"force_path_style"`
	PresignExpiry   Duration `yaml:"presign_expiry"`
}

// CollatorConfig controls the periodic collation loop. The deployment must
// guarantee a single collator process; there is no internal lock.
type CollatorConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Interval        Duration `yaml:"interval"`
	MinBatchSize    int      `yaml:"min_batch_size"`
	MaxBatchSize    int      `yaml:"max_batch_size"`
	MaxJournalBytes ByteSize `yaml:"max_journal_bytes"`
}

// CacheConfig configures the local journal-index cache. An empty path
// disables caching.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig configures the optional NATS ingress bridge.
type IngestConfig struct {
	Enabled        bool     `yaml:"enabled"`
	URL            string   `yaml:"url"`
	Subject        string   `yaml:"subject"`
	QueueGroup     string   `yaml:"queue_group"`
	ConnectionName string   `yaml:"connection_name"`
	MaxReconnects  int      `yaml:"max_reconnects"`
	ReconnectWait  Duration `yaml:"reconnect_wait"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be \"s3\" or \"memory\", got %q", c.Store.Backend)
	}

	if c.Collator.Enabled {
		if c.Collator.Interval.Duration() <= 0 {
			return fmt.Errorf("collator.interval must be > 0")
		}
		if c.Collator.MinBatchSize < 1 {
			return fmt.Errorf("collator.min_batch_size must be >= 1")
		}
		if c.Collator.MaxBatchSize < c.Collator.MinBatchSize {
			return fmt.Errorf("collator.max_batch_size must be >= min_batch_size")
		}
		if c.Collator.MaxJournalBytes < 1024 {
			return fmt.Errorf("collator.max_journal_bytes must be at least 1KB, got %d", c.Collator.MaxJournalBytes)
		}
	}

	if c.Ingest.Enabled {
		if c.Ingest.URL == "" {
			return fmt.Errorf("ingest.url is required when ingest is enabled")
		}
		if c.Ingest.Subject == "" {
			return fmt.Errorf("ingest.subject is required when ingest is enabled")
		}
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
