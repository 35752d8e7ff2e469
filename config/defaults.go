package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "memfabric",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RPS:   50,
				Burst: 100,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:       "./data/badger",
				SyncWrites: true,
				GCInterval: 10 * time.Minute,
			},
		},
		Guard: GuardConfig{
			QuarantineThreshold: 0.7,
		},
		Planner: PlannerConfig{
			Strict: false,
		},
		Ports: PortsConfig{
			Ledger: LedgerPortConfig{
				Timeout: 200 * time.Millisecond,
			},
			Vector: VectorPortConfig{
				Enabled:  true,
				Path:     "",
				Compress: false,
				Timeout:  500 * time.Millisecond,
				Embedder: "hash",
				Ollama: OllamaConfig{
					URL:   "http://localhost:11434",
					Model: "nomic-embed-text",
				},
			},
			Graph: GraphPortConfig{
				Enabled: true,
				Timeout: 300 * time.Millisecond,
				EdgeTTL: 90 * 24 * time.Hour,
			},
			Entity: EntityPortConfig{
				Enabled: false,
				Timeout: 200 * time.Millisecond,
				Redis: RedisConfig{
					Address:  "localhost:6379",
					Password: "",
					DB:       0,
				},
			},
		},
		Consolidator: ConsolidatorConfig{
			Enabled:  true,
			Interval: 24 * time.Hour,
		},
		Retention: RetentionConfig{
			DefaultDays: 0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 0.1,
			Insecure:   true,
		},
	}
}
