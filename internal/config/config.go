// Package config provides configuration loading and validation for the
// cognitive kernel daemon.
//
// Configuration file: ./cogkernel.yaml (default), overridable by
// COGKERNEL_CONFIG. Environment variables prefixed COGKERNEL_ override file
// values at load time (e.g. COGKERNEL_DAILY_BUDGET_USD).
//
// Invalid config at startup is fatal: cmd/cogkerneld refuses to start
// (spec.md's KindConfig exit code 2). There is no hot-reload path — every
// config-bearing component here is sized and wired once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the kernel daemon.
type Config struct {
	DailyBudgetUSD      float64            `yaml:"daily_budget_usd"`
	CategoryAllocations map[string]float64 `yaml:"category_allocations"`
	ReserveFraction     float64            `yaml:"reserve_fraction"`

	MaxConcurrent int `yaml:"max_concurrent"`
	TickIntervalMS int `yaml:"tick_interval_ms"`
	DecayTickIntervalS int `yaml:"decay_tick_interval_s"`

	// NarrativeBound caps ActiveThreads/ActiveQuestions at the N most
	// recently added entries (oldest dropped first, insertion order
	// preserved among survivors).
	NarrativeBound int `yaml:"narrative_bound"`

	PhaseSchedule map[string]string `yaml:"phase_schedule"`
	Timeouts      map[string]string `yaml:"timeouts"`

	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	AdminAPI      AdminAPIConfig      `yaml:"admin_api"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory". Default: sqlite.
	Driver string `yaml:"driver"`
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// OTelEndpoint, if non-empty, enables span export to an OTel collector.
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// AdminAPIConfig configures the HTTP admin surface.
type AdminAPIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// Defaults returns a Config populated with every default named in spec.md
// §6 plus the ambient fields this kernel adds.
func Defaults() Config {
	return Config{
		DailyBudgetUSD: 5.0,
		CategoryAllocations: map[string]float64{
			"research":   0.30,
			"reflection": 0.20,
			"dream":      0.15,
			"memory":     0.15,
			"journal":    0.10,
		},
		ReserveFraction:    0.10,
		MaxConcurrent:      4,
		TickIntervalMS:     5000,
		DecayTickIntervalS: 60,
		NarrativeBound:     20,
		PhaseSchedule: map[string]string{
			"morning":   "06:00",
			"midday":    "12:00",
			"afternoon": "17:00",
			"evening":   "21:00",
			"night":     "00:00",
		},
		Timeouts: map[string]string{
			"free": "5s", "light": "30s", "session": "10m", "research": "20m", "dream": "15m",
		},
		Storage:       StorageConfig{Driver: "sqlite", DBPath: "./cogkernel.db"},
		Observability: ObservabilityConfig{LogLevel: "info", LogFormat: "json"},
		AdminAPI:      AdminAPIConfig{ListenAddr: "127.0.0.1:8420", Enabled: true},
	}
}

// Load reads path (falling back to defaults for any key the file omits),
// applies COGKERNEL_-prefixed environment overrides (including any set in
// a sibling .env file, per godotenv convention), validates, and returns the
// merged config. A missing file at path is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	_ = godotenv.Load() // optional .env; missing file is not an error
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("COGKERNEL_DAILY_BUDGET_USD"); ok {
		if f, err := parseFloatEnv(v); err == nil {
			cfg.DailyBudgetUSD = f
		}
	}
	if v, ok := os.LookupEnv("COGKERNEL_MAX_CONCURRENT"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v, ok := os.LookupEnv("COGKERNEL_STORAGE_DB_PATH"); ok {
		cfg.Storage.DBPath = v
	}
	if v, ok := os.LookupEnv("COGKERNEL_ADMIN_LISTEN_ADDR"); ok {
		cfg.AdminAPI.ListenAddr = v
	}
	if v, ok := os.LookupEnv("COGKERNEL_LOG_LEVEL"); ok {
		cfg.Observability.LogLevel = v
	}
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.DailyBudgetUSD <= 0 {
		errs = append(errs, fmt.Sprintf("daily_budget_usd must be > 0, got %f", cfg.DailyBudgetUSD))
	}

	allocationSum := 0.0
	for cat, frac := range cfg.CategoryAllocations {
		if frac < 0 || frac > 1 {
			errs = append(errs, fmt.Sprintf("category_allocations[%s] must be in [0,1], got %f", cat, frac))
		}
		allocationSum += frac
	}
	if allocationSum+cfg.ReserveFraction > 1.0001 {
		errs = append(errs, fmt.Sprintf("category_allocations (%.4f) plus reserve_fraction (%.4f) exceed 1.0", allocationSum, cfg.ReserveFraction))
	}
	if cfg.ReserveFraction < 0 || cfg.ReserveFraction > 1 {
		errs = append(errs, fmt.Sprintf("reserve_fraction must be in [0,1], got %f", cfg.ReserveFraction))
	}

	if cfg.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("max_concurrent must be >= 1, got %d", cfg.MaxConcurrent))
	}
	if cfg.TickIntervalMS < 100 {
		errs = append(errs, fmt.Sprintf("tick_interval_ms must be >= 100, got %d", cfg.TickIntervalMS))
	}
	if cfg.DecayTickIntervalS < 1 {
		errs = append(errs, fmt.Sprintf("decay_tick_interval_s must be >= 1, got %d", cfg.DecayTickIntervalS))
	}
	if cfg.NarrativeBound < 1 {
		errs = append(errs, fmt.Sprintf("narrative_bound must be >= 1, got %d", cfg.NarrativeBound))
	}

	for phase, boundary := range cfg.PhaseSchedule {
		if _, err := time.Parse("15:04", boundary); err != nil {
			errs = append(errs, fmt.Sprintf("phase_schedule[%s] = %q is not HH:MM", phase, boundary))
		}
	}
	for costClass, d := range cfg.Timeouts {
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Sprintf("timeouts[%s] = %q is not a duration", costClass, d))
		}
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path must not be empty when driver is sqlite")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver must be \"sqlite\" or \"memory\", got %q", cfg.Storage.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "\n  - "))
	}
	return nil
}
