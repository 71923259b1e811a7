package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "tierstore",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Tiers: TiersConfig{
			Hot: CacheTierConfig{
				Enabled:    true,
				Bucket:     "tierstore-hot",
				DefaultTTL: Duration(15 * time.Minute),
				Replicas:   1,
			},
			Warm: CacheTierConfig{
				Enabled:    false,
				Bucket:     "tierstore-warm",
				DefaultTTL: Duration(6 * time.Hour),
				Replicas:   1,
			},
			Relational: RelationalTierConfig{
				Enabled: true,
				Path:    "/var/lib/tierstore/cold.db",
				Table:   "kv_records",
			},
			Ephemeral: EphemeralTierConfig{
				Enabled:       true,
				DefaultTTL:    Duration(time.Hour),
				SweepInterval: Duration(time.Minute),
				MaxEntries:    10000,
			},
			Archive: ArchiveTierConfig{
				Enabled: false,
				Region:  "us-east-1",
			},
		},
		Router: RouterConfig{
			PromoteAfterHits: 3,
			DemoteAfter:      Duration(24 * time.Hour),
			EvalInterval:     Duration(time.Minute),
			FallbackClass:    "ephemeral",
			ArchiveMinSize:   ByteSize(64 * 1024),
		},
		Tracker: TrackerConfig{
			Path: "/var/lib/tierstore/access.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "tierstore",
			},
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
