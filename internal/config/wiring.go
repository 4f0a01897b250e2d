package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lumenhearth/cogkernel/internal/budget"
	"github.com/lumenhearth/cogkernel/internal/clock"
	"github.com/lumenhearth/cogkernel/internal/scheduler"
	"github.com/lumenhearth/cogkernel/internal/types"
)

// BudgetConfig converts the loaded YAML shape into budget.Config.
func (c *Config) BudgetConfig() budget.Config {
	allocations := make([]budget.CategoryAllocation, 0, len(c.CategoryAllocations))
	for cat, frac := range c.CategoryAllocations {
		allocations = append(allocations, budget.CategoryAllocation{Category: types.Category(cat), Fraction: frac})
	}
	return budget.Config{
		DailyBudgetUSD:  c.DailyBudgetUSD,
		Allocations:     allocations,
		ReserveFraction: c.ReserveFraction,
	}
}

// PhaseSchedule parses phase_schedule's "HH:MM" strings into a
// clock.PhaseSchedule. Called only after Validate has confirmed every
// boundary parses.
func (c *Config) PhaseSchedule() clock.PhaseSchedule {
	out := make(clock.PhaseSchedule, 0, len(c.PhaseSchedule))
	for name, boundary := range c.PhaseSchedule {
		t, err := time.Parse("15:04", boundary)
		if err != nil {
			continue
		}
		out = append(out, clock.PhaseBoundary{Name: name, StartHour: t.Hour(), StartMinute: t.Minute()})
	}
	return out
}

// SchedulerTimeouts parses the timeouts map into scheduler.CostClassTimeouts,
// falling back to scheduler.DefaultCostClassTimeouts for any cost class not
// present in the config.
func (c *Config) SchedulerTimeouts() scheduler.CostClassTimeouts {
	out := make(scheduler.CostClassTimeouts, len(scheduler.DefaultCostClassTimeouts))
	for k, v := range scheduler.DefaultCostClassTimeouts {
		out[k] = v
	}
	for costClass, raw := range c.Timeouts {
		if d, err := time.ParseDuration(raw); err == nil {
			out[costClass] = d
		}
	}
	return out
}

// SchedulerConfig converts the loaded YAML shape into scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent: c.MaxConcurrent,
		TickInterval:  time.Duration(c.TickIntervalMS) * time.Millisecond,
		Timeouts:      c.SchedulerTimeouts(),
	}
}

// DecayTickInterval returns decay_tick_interval_s as a time.Duration.
func (c *Config) DecayTickInterval() time.Duration {
	return time.Duration(c.DecayTickIntervalS) * time.Second
}

// parseFloatEnv is a small helper so applyEnvOverrides doesn't need
// fmt.Sscanf's silent-failure-on-garbage-input behavior for a field we
// actually want to reject clearly during startup validation.
func parseFloatEnv(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid float %q: %w", raw, err)
	}
	return v, nil
}
