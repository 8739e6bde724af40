package config

import "time"

const (
	DefaultMinBatchSize = 10
	DefaultMaxBatchSize = 1000
)

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:       "s3",
			Region:        "us-east-1",
			Prefix:        "floodgate",
			PresignExpiry: Duration(time.Hour),
		},
		Collator: CollatorConfig{
			Enabled:         true,
			Interval:        Duration(time.Minute),
			MinBatchSize:    DefaultMinBatchSize,
			MaxBatchSize:    DefaultMaxBatchSize,
			MaxJournalBytes: ByteSize(64 * 1024 * 1024), // 64MB
		},
		Cache: CacheConfig{
			Path: "/var/lib/floodgate/index-cache.db",
		},
		Ingest: IngestConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			Subject:        "floodgate.events",
			ConnectionName: "floodgate",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
