package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, expands ${VAR} environment
// references, and returns a validated [Config] with defaults applied.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := parse(os.ExpandEnv(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(os.ExpandEnv(string(raw)))
}

func parse(raw string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = 1024
	}
	if cfg.Providers.TTS.TimeoutSec == 0 {
		cfg.Providers.TTS.TimeoutSec = 120
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "audio"
	}
	if cfg.Storage.SignedURLTTLSec == 0 {
		cfg.Storage.SignedURLTTLSec = 3600
	}
	if cfg.Station.FutureYearOffset == 0 {
		cfg.Station.FutureYearOffset = 500
	}
	if cfg.Station.Timezone == "" {
		cfg.Station.Timezone = "UTC"
	}
	if cfg.Station.Language == "" {
		cfg.Station.Language = "en"
	}
	if cfg.Workers.MaxConcurrentJobs == 0 {
		cfg.Workers.MaxConcurrentJobs = 2
	}
	if cfg.Workers.PollIntervalSec == 0 {
		cfg.Workers.PollIntervalSec = 5
	}
	if cfg.Workers.LeaseMinutes == 0 {
		cfg.Workers.LeaseMinutes = 10
	}
	if cfg.Workers.DrainTimeoutSec == 0 {
		cfg.Workers.DrainTimeoutSec = 60
	}
	if cfg.Scheduler.Mode == "" {
		cfg.Scheduler.Mode = SchedulerContinuous
	}
	if cfg.Scheduler.RunAt == "" {
		cfg.Scheduler.RunAt = "02:00"
	}
	if cfg.Scheduler.ReadySkipFraction == 0 {
		cfg.Scheduler.ReadySkipFraction = 0.8
	}
	if cfg.Mastering.TargetLUFS == 0 {
		cfg.Mastering.TargetLUFS = -16
	}
	if cfg.Mastering.PeakCeilingDBFS == 0 {
		cfg.Mastering.PeakCeilingDBFS = -1
	}
	if cfg.Mastering.SampleRate == 0 {
		cfg.Mastering.SampleRate = 48000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must be positive", cfg.Database.EmbeddingDimensions))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; segment generation will be unavailable")
	}
	if cfg.Providers.TTS.ServerURL == "" {
		slog.Warn("providers.tts.server_url is not configured; audio rendering will be unavailable")
	}

	if !cfg.Scheduler.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("scheduler.mode %q is invalid; valid values: once, continuous", cfg.Scheduler.Mode))
	}
	if _, err := time.Parse("15:04", cfg.Scheduler.RunAt); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.run_at %q must be HH:MM", cfg.Scheduler.RunAt))
	}
	if cfg.Scheduler.ReadySkipFraction < 0 || cfg.Scheduler.ReadySkipFraction > 1 {
		errs = append(errs, fmt.Errorf("scheduler.ready_skip_fraction %.2f is out of range [0, 1]", cfg.Scheduler.ReadySkipFraction))
	}

	if _, err := time.LoadLocation(cfg.Station.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("station.timezone %q is not a valid IANA zone", cfg.Station.Timezone))
	}
	if cfg.Station.FutureYearOffset < 0 {
		errs = append(errs, fmt.Errorf("station.future_year_offset %d must not be negative", cfg.Station.FutureYearOffset))
	}

	if cfg.Workers.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("workers.max_concurrent_jobs %d must be at least 1", cfg.Workers.MaxConcurrentJobs))
	}

	if cfg.Mastering.TargetLUFS > 0 {
		errs = append(errs, fmt.Errorf("mastering.target_lufs %.1f must be negative", cfg.Mastering.TargetLUFS))
	}
	if cfg.Mastering.PeakCeilingDBFS > 0 {
		errs = append(errs, fmt.Errorf("mastering.peak_ceiling_dbfs %.1f must be negative", cfg.Mastering.PeakCeilingDBFS))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
