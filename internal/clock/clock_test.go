package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemClock_DayEpochIncreasesAtMidnight(t *testing.T) {
	c := NewSystemClock(time.UTC, nil)

	before := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)
	after := time.Date(2026, 3, 5, 0, 1, 0, 0, time.UTC)

	assert.Equal(t, c.DayEpoch(before)+1, c.DayEpoch(after))
}

func TestSystemClock_Phase(t *testing.T) {
	c := NewSystemClock(time.UTC, nil)

	cases := []struct {
		hour  int
		phase string
	}{
		{0, "night"},
		{5, "night"},
		{6, "morning"},
		{11, "morning"},
		{12, "midday"},
		{16, "midday"},
		{17, "afternoon"},
		{20, "afternoon"},
		{21, "evening"},
		{23, "evening"},
	}
	for _, tc := range cases {
		got := c.Phase(time.Date(2026, 1, 1, tc.hour, 0, 0, 0, time.UTC))
		assert.Equalf(t, tc.phase, got, "hour %d", tc.hour)
	}
}

func TestSystemClock_NextFire_Phase(t *testing.T) {
	c := NewSystemClock(time.UTC, nil)
	after := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)

	next, err := c.NextFire(ScheduleSpec{Phase: "afternoon"}, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 17, 0, 0, 0, time.UTC), next)

	// A phase already passed today resolves to tomorrow.
	next, err = c.NextFire(ScheduleSpec{Phase: "morning"}, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC), next)
}

func TestSystemClock_NextFire_Cron(t *testing.T) {
	c := NewSystemClock(time.UTC, nil)
	after := time.Date(2026, 1, 1, 8, 59, 0, 0, time.UTC)

	next, err := c.NextFire(ScheduleSpec{CronExpr: "0 9 * * *"}, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), next)
}

func TestSystemClock_NextFire_InvalidCron(t *testing.T) {
	c := NewSystemClock(time.UTC, nil)
	_, err := c.NextFire(ScheduleSpec{CronExpr: "not a cron"}, time.Now())
	assert.Error(t, err)
}

func TestFakeClock_AdvanceIsDeterministic(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFakeClock(start, nil)

	assert.Equal(t, start, fc.Now())
	fc.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), fc.Now())
	assert.Equal(t, "night", fc.Phase(fc.Now()))
}
