package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_PassValidation(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, Validate(&cfg))
}

func TestValidate_RejectsAllocationsExceedingOne(t *testing.T) {
	cfg := Defaults()
	cfg.CategoryAllocations = map[string]float64{"research": 0.9}
	cfg.ReserveFraction = 0.5
	assert.Error(t, Validate(&cfg))
}

func TestValidate_RejectsBadPhaseSchedule(t *testing.T) {
	cfg := Defaults()
	cfg.PhaseSchedule["morning"] = "not-a-time"
	assert.Error(t, Validate(&cfg))
}

func TestValidate_RejectsUnknownStorageDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Driver = "postgres"
	assert.Error(t, Validate(&cfg))
}

func TestValidate_RejectsNonPositiveNarrativeBound(t *testing.T) {
	cfg := Defaults()
	cfg.NarrativeBound = 0
	assert.Error(t, Validate(&cfg))
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().DailyBudgetUSD, cfg.DailyBudgetUSD)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogkernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daily_budget_usd: 12.5\nmax_concurrent: 8\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.DailyBudgetUSD)
	assert.Equal(t, 8, cfg.MaxConcurrent)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogkernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daily_budget_usd: 12.5\n"), 0o600))
	t.Setenv("COGKERNEL_DAILY_BUDGET_USD", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.DailyBudgetUSD)
}

func TestBudgetConfig_ConvertsAllocations(t *testing.T) {
	cfg := Defaults()
	bc := cfg.BudgetConfig()
	assert.Len(t, bc.Allocations, len(cfg.CategoryAllocations))
	assert.Equal(t, cfg.ReserveFraction, bc.ReserveFraction)
}

func TestSchedulerTimeouts_OverridesDefaultsOnly(t *testing.T) {
	cfg := Defaults()
	cfg.Timeouts["light"] = "1m"
	timeouts := cfg.SchedulerTimeouts()
	assert.Equal(t, time.Minute, timeouts["light"])
	assert.Equal(t, 5*time.Second, timeouts["free"])
}
