// Package config provides configuration management for the memory fabric.
package config

import "time"

// Config is the global service configuration.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Guard is the safety gate configuration.
	Guard GuardConfig `mapstructure:"guard"`

	// Planner is the recall routing configuration.
	Planner PlannerConfig `mapstructure:"planner"`

	// Ports configures the memory backend adapters.
	Ports PortsConfig `mapstructure:"ports"`

	// Consolidator is the background maintenance configuration.
	Consolidator ConsolidatorConfig `mapstructure:"consolidator"`

	// Retention controls time-based pruning of the ledger.
	Retention RetentionConfig `mapstructure:"retention"`

	// Benchmark configures the latency benchmark operation.
	Benchmark BenchmarkConfig `mapstructure:"benchmark"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// AdminToken guards the destructive admin endpoints. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`

	// HTTP holds listener timeouts.
	HTTP HTTPConfig `mapstructure:"http"`

	// RateLimit throttles the ingest endpoint.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig holds HTTP listener settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum keep-alive idle time.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// RateLimitConfig holds ingest throttling settings.
type RateLimitConfig struct {
	// RPS is the sustained requests per second per client.
	RPS float64 `mapstructure:"rps" validate:"min=0"`

	// Burst is the token bucket burst size.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the destination (stdout, stderr, or a file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds the persistence settings for the atom ledger.
type StorageConfig struct {
	// Type selects the backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger holds Badger-specific settings.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds Badger-specific settings.
type BadgerConfig struct {
	// Path is the database directory.
	Path string `mapstructure:"path"`

	// SyncWrites forces fsync on every write.
	SyncWrites bool `mapstructure:"sync_writes"`

	// GCInterval is how often value log garbage collection runs.
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// GuardConfig holds the safety gate settings.
type GuardConfig struct {
	// QuarantineThreshold is the risk score at which content is quarantined.
	// Hot-reloadable.
	QuarantineThreshold float64 `mapstructure:"quarantine_threshold" validate:"gte=0,lte=1"`
}

// PlannerConfig holds recall routing settings.
type PlannerConfig struct {
	// Strict refuses recall when the active ports cannot cover the
	// required capability set.
	Strict bool `mapstructure:"strict"`
}

// PortsConfig configures the memory backend adapters.
type PortsConfig struct {
	// Ledger configures the event-sourced ledger adapter.
	Ledger LedgerPortConfig `mapstructure:"ledger"`

	// Vector configures the embedding store adapter.
	Vector VectorPortConfig `mapstructure:"vector"`

	// Graph configures the knowledge graph adapter.
	Graph GraphPortConfig `mapstructure:"graph"`

	// Entity configures the user profile adapter.
	Entity EntityPortConfig `mapstructure:"entity"`
}

// LedgerPortConfig holds ledger adapter settings.
type LedgerPortConfig struct {
	// Timeout bounds a single search call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// VectorPortConfig holds embedding store settings.
type VectorPortConfig struct {
	// Enabled turns the adapter on.
	Enabled bool `mapstructure:"enabled"`

	// Path is the on-disk persistence directory. Empty keeps it in memory.
	Path string `mapstructure:"path"`

	// Compress gzips persisted collections.
	Compress bool `mapstructure:"compress"`

	// Timeout bounds a single search call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Embedder selects the embedding source (hash, ollama).
	Embedder string `mapstructure:"embedder" validate:"oneof=hash ollama"`

	// Ollama holds settings for the ollama embedder.
	Ollama OllamaConfig `mapstructure:"ollama"`
}

// OllamaConfig holds ollama embedding settings.
type OllamaConfig struct {
	// URL is the ollama server base URL.
	URL string `mapstructure:"url"`

	// Model is the embedding model name.
	Model string `mapstructure:"model"`
}

// GraphPortConfig holds knowledge graph adapter settings.
type GraphPortConfig struct {
	// Enabled turns the adapter on.
	Enabled bool `mapstructure:"enabled"`

	// Timeout bounds a single search call.
	Timeout time.Duration `mapstructure:"timeout"`

	// EdgeTTL prunes edges not touched within this window.
	EdgeTTL time.Duration `mapstructure:"edge_ttl"`
}

// EntityPortConfig holds user profile adapter settings.
type EntityPortConfig struct {
	// Enabled turns the adapter on.
	Enabled bool `mapstructure:"enabled"`

	// Timeout bounds a single search call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Redis holds the connection settings.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address is host:port.
	Address string `mapstructure:"address"`

	// Password is the optional auth password.
	Password string `mapstructure:"password"`

	// DB is the database index.
	DB int `mapstructure:"db" validate:"min=0"`
}

// ConsolidatorConfig holds background maintenance settings.
type ConsolidatorConfig struct {
	// Enabled turns the scheduler on.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the cadence of maintenance runs.
	Interval time.Duration `mapstructure:"interval"`
}

// RetentionConfig controls time-based pruning.
type RetentionConfig struct {
	// DefaultDays applies when an ingest request omits retention_days.
	// Zero keeps atoms forever.
	DefaultDays int `mapstructure:"default_days" validate:"min=0"`
}

// BenchmarkConfig configures the latency benchmark operation.
type BenchmarkConfig struct {
	// RunnerArgv is the command line of an external benchmark harness that
	// prints a result as JSON on stdout. Empty falls back to the in-process
	// proxy estimate.
	RunnerArgv []string `mapstructure:"runner_argv"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Enabled turns metrics collection on.
	Enabled bool `mapstructure:"enabled"`

	// Path is the scrape endpoint path.
	Path string `mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `mapstructure:"endpoint"`

	// SampleRate is the trace sampling ratio.
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS to the collector.
	Insecure bool `mapstructure:"insecure"`
}
