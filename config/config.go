// Package config loads the engine's policy knobs from YAML with
// environment overrides. Cost weights are policy, not mechanism, and
// never hardcoded elsewhere.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aeroops/replan/schedule"
)

// Duration wraps time.Duration for YAML ("45m", "2s", ...).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Costs are the repair search weights.
type Costs struct {
	ReassignPenalty    float64 `yaml:"reassign_penalty"`
	DeviationPerMinute float64 `yaml:"deviation_per_minute"`
	SoftTurnaroundRate float64 `yaml:"soft_turnaround_rate"`
}

// Search bounds one repair cycle.
type Search struct {
	MaxNodes   int      `yaml:"max_nodes"`
	MaxDepth   int      `yaml:"max_depth"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
	MaxBatch   int      `yaml:"max_batch"`
}

// Ingest tunes the disruption ingestor.
type Ingest struct {
	DedupWindow Duration `yaml:"dedup_window"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	Burst       int      `yaml:"burst"`
}

// Config is the full runtime configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	Costs  Costs  `yaml:"costs"`
	Search Search `yaml:"search"`
	Ingest Ingest `yaml:"ingest"`

	// Turnaround buffers per resource type.
	AircraftTurnaround Duration `yaml:"aircraft_turnaround"`
	CrewRest           Duration `yaml:"crew_rest"`
	GateBuffer         Duration `yaml:"gate_buffer"`

	PreferredTurnaround Duration `yaml:"preferred_turnaround"`
	DutyLimit           Duration `yaml:"duty_limit"`
	DutyWindow          Duration `yaml:"duty_window"`
	Lookaround          Duration `yaml:"lookaround"`
	SweepInterval       Duration `yaml:"sweep_interval"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Listen: ":8080",
		Costs: Costs{
			ReassignPenalty:    30,
			DeviationPerMinute: 1,
			SoftTurnaroundRate: 0.5,
		},
		Search: Search{
			MaxNodes:   5000,
			MaxDepth:   6,
			Timeout:    Duration(2 * time.Second),
			MaxRetries: 3,
			MaxBatch:   32,
		},
		Ingest: Ingest{
			DedupWindow: Duration(30 * time.Second),
			RatePerSec:  50,
			Burst:       20,
		},
		AircraftTurnaround:  Duration(45 * time.Minute),
		CrewRest:            Duration(30 * time.Minute),
		GateBuffer:          Duration(15 * time.Minute),
		PreferredTurnaround: Duration(60 * time.Minute),
		DutyLimit:           Duration(10 * time.Hour),
		DutyWindow:          Duration(24 * time.Hour),
		Lookaround:          Duration(4 * time.Hour),
		SweepInterval:       Duration(30 * time.Second),
	}
}

// Load reads YAML over the defaults, then applies env overrides
// (REPLAN_LISTEN, POSTGRES_DSN, REDIS_ADDR). An empty path loads
// defaults plus env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if v := os.Getenv("REPLAN_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	return cfg, nil
}

// Buffers returns the per-type turnaround map the constraints and the
// engine share.
func (c Config) Buffers() map[schedule.ResourceType]time.Duration {
	return map[schedule.ResourceType]time.Duration{
		schedule.ResourceAircraft: c.AircraftTurnaround.Std(),
		schedule.ResourceCrew:     c.CrewRest.Std(),
		schedule.ResourceGate:     c.GateBuffer.Std(),
	}
}
