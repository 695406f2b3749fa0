// Package config provides the configuration schema and loader for the
// Chronocast content-production pipeline.
package config

// LogLevel controls log verbosity for Chronocast processes.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SchedulerMode selects how the scheduler process runs.
type SchedulerMode string

const (
	// SchedulerOnce materialises one broadcast day and exits.
	SchedulerOnce SchedulerMode = "once"

	// SchedulerContinuous runs daily at the configured local time.
	SchedulerContinuous SchedulerMode = "continuous"
)

// IsValid reports whether m is a recognised scheduler mode.
func (m SchedulerMode) IsValid() bool {
	return m == SchedulerOnce || m == SchedulerContinuous
}

// Config is the root configuration structure for Chronocast. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader]; string values may
// reference environment variables as ${VAR}.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Station   StationConfig   `yaml:"station"`
	Workers   WorkersConfig   `yaml:"workers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mastering MasteringConfig `yaml:"mastering"`
}

// ServerConfig holds network and logging settings for the playout bridge and
// the metrics endpoint every worker exposes.
type ServerConfig struct {
	// ListenAddr is the TCP address the playout HTTP bridge listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the address for /metrics, /healthz and /readyz on
	// worker processes. Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DatabaseConfig holds PostgreSQL settings shared by every process.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. The pgvector extension must
	// be installable in the target database.
	DSN string `yaml:"dsn"`

	// EmbeddingDimensions must match the configured embeddings model
	// (1024 for mxbai-embed-large). Defaults to 1024.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ProvidersConfig declares which provider implementation each pipeline stage
// uses.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	TTS        TTSConfig     `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by the LLM and
// embeddings providers.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "anthropic", "openai",
	// "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// TTSConfig configures the Piper synthesis server.
type TTSConfig struct {
	// ServerURL is the Piper REST endpoint (e.g., "http://localhost:5000").
	ServerURL string `yaml:"server_url"`

	// DefaultModel is the voice model used when a voice leaves it unset.
	DefaultModel string `yaml:"default_model"`

	// TimeoutSec bounds one synthesis call. Defaults to 120.
	TimeoutSec int `yaml:"timeout_sec"`
}

// StorageConfig configures the audio object store.
type StorageConfig struct {
	// BaseURL is the storage API endpoint
	// (e.g., "https://proj.supabase.co/storage/v1").
	BaseURL string `yaml:"base_url"`

	// ServiceKey is the service-role key used for uploads and signing.
	ServiceKey string `yaml:"service_key"`

	// Bucket is the bucket holding all station audio. Defaults to "audio".
	Bucket string `yaml:"bucket"`

	// SignedURLTTLSec is the lifetime of playout download URLs.
	// Defaults to 3600.
	SignedURLTTLSec int `yaml:"signed_url_ttl_sec"`
}

// StationConfig holds the broadcast identity of the station.
type StationConfig struct {
	// Name appears in prompts and station IDs.
	Name string `yaml:"name"`

	// FutureYearOffset is added to the wall-clock year to obtain the
	// broadcast year. Defaults to 500.
	FutureYearOffset int `yaml:"future_year_offset"`

	// Timezone is the IANA zone broadcast days are aligned to.
	// Defaults to "UTC".
	Timezone string `yaml:"timezone"`

	// Language is the default script language. Defaults to "en".
	Language string `yaml:"language"`
}

// WorkersConfig tunes the worker harness.
type WorkersConfig struct {
	// MaxConcurrentJobs bounds in-flight handlers per worker process.
	// Defaults to 2 — segment generation is memory-hungry.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollIntervalSec is the claim poll cadence when no notify arrives.
	// Defaults to 5.
	PollIntervalSec int `yaml:"poll_interval_sec"`

	// LeaseMinutes is how long a claim holds a job. Defaults to 10.
	LeaseMinutes int `yaml:"lease_minutes"`

	// DrainTimeoutSec bounds graceful shutdown. Defaults to 60.
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

// SchedulerConfig tunes the broadcast-day scheduler.
type SchedulerConfig struct {
	// Mode is "once" or "continuous". Defaults to continuous.
	Mode SchedulerMode `yaml:"mode"`

	// RunAt is the local "HH:MM" time the continuous scheduler fires.
	// Defaults to "02:00".
	RunAt string `yaml:"run_at"`

	// ReadySkipFraction skips re-planning a day whose segments are already
	// at least this fraction ready. Defaults to 0.8.
	ReadySkipFraction float64 `yaml:"ready_skip_fraction"`
}

// MasteringConfig tunes audio normalization targets.
type MasteringConfig struct {
	// TargetLUFS is the integrated loudness target. Defaults to -16.
	TargetLUFS float64 `yaml:"target_lufs"`

	// PeakCeilingDBFS is the true-peak ceiling. Defaults to -1.
	PeakCeilingDBFS float64 `yaml:"peak_ceiling_dbfs"`

	// SampleRate is the delivery sample rate. Defaults to 48000.
	SampleRate int `yaml:"sample_rate"`
}
