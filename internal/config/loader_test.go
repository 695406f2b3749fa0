package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
database:
  dsn: postgres://chronocast@localhost/chronocast
`

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Station.FutureYearOffset != 500 {
		t.Errorf("FutureYearOffset = %d, want 500", cfg.Station.FutureYearOffset)
	}
	if cfg.Database.EmbeddingDimensions != 1024 {
		t.Errorf("EmbeddingDimensions = %d, want 1024", cfg.Database.EmbeddingDimensions)
	}
	if cfg.Scheduler.Mode != SchedulerContinuous {
		t.Errorf("Scheduler.Mode = %q, want continuous", cfg.Scheduler.Mode)
	}
	if cfg.Scheduler.RunAt != "02:00" {
		t.Errorf("Scheduler.RunAt = %q, want 02:00", cfg.Scheduler.RunAt)
	}
	if cfg.Scheduler.ReadySkipFraction != 0.8 {
		t.Errorf("ReadySkipFraction = %v, want 0.8", cfg.Scheduler.ReadySkipFraction)
	}
	if cfg.Mastering.TargetLUFS != -16 {
		t.Errorf("TargetLUFS = %v, want -16", cfg.Mastering.TargetLUFS)
	}
	if cfg.Mastering.PeakCeilingDBFS != -1 {
		t.Errorf("PeakCeilingDBFS = %v, want -1", cfg.Mastering.PeakCeilingDBFS)
	}
	if cfg.Mastering.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.Mastering.SampleRate)
	}
	if cfg.Storage.SignedURLTTLSec != 3600 {
		t.Errorf("SignedURLTTLSec = %d, want 3600", cfg.Storage.SignedURLTTLSec)
	}
	if cfg.Workers.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d, want 2", cfg.Workers.MaxConcurrentJobs)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := minimalYAML + `
stationn:
  name: typo
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("LoadFromReader() accepted unknown top-level field")
	}
}

func TestLoadFromReader_EnvExpansion(t *testing.T) {
	t.Setenv("CHRONOCAST_TEST_DSN", "postgres://env@localhost/station")

	yaml := `
database:
  dsn: ${CHRONOCAST_TEST_DSN}
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Database.DSN != "postgres://env@localhost/station" {
		t.Errorf("DSN = %q, env reference not expanded", cfg.Database.DSN)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.Database.DSN = "" },
			wantErr: "database.dsn",
		},
		{
			name:    "bad scheduler mode",
			mutate:  func(c *Config) { c.Scheduler.Mode = "hourly" },
			wantErr: "scheduler.mode",
		},
		{
			name:    "bad run_at",
			mutate:  func(c *Config) { c.Scheduler.RunAt = "2am" },
			wantErr: "scheduler.run_at",
		},
		{
			name:    "skip fraction above one",
			mutate:  func(c *Config) { c.Scheduler.ReadySkipFraction = 1.5 },
			wantErr: "ready_skip_fraction",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Station.Timezone = "Mars/Olympus" },
			wantErr: "station.timezone",
		},
		{
			name:    "positive lufs target",
			mutate:  func(c *Config) { c.Mastering.TargetLUFS = 16 },
			wantErr: "target_lufs",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Workers.MaxConcurrentJobs = -1 },
			wantErr: "max_concurrent_jobs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
			if err != nil {
				t.Fatalf("base config: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Scheduler.Mode = "hourly"
	cfg.Mastering.TargetLUFS = 5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want joined error")
	}
	for _, want := range []string{"database.dsn", "scheduler.mode", "target_lufs"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}
