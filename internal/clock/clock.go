// Package clock is the kernel's time source: current instant, local-day
// epoch boundaries, named-phase resolution, and cron-like schedule
// resolution. Every other component takes a Clock rather than calling
// time.Now directly, so tests can inject a fixed or steppable instant.
package clock

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock is the injectable time source every scheduling decision reads from.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// DayEpoch returns the local-day index for t: an integer that
	// increases by exactly one at each local midnight boundary.
	DayEpoch(t time.Time) int

	// Phase returns the named rhythm phase ("morning", "midday",
	// "afternoon", "evening", "night") that t falls into, per the
	// configured PhaseSchedule.
	Phase(t time.Time) string

	// NextFire resolves spec to the next instant strictly after 'after'.
	NextFire(spec ScheduleSpec, after time.Time) (time.Time, error)
}

// PhaseSchedule maps a phase name to its local start-of-day offset. Phases
// are ordered by StartHour; the phase in effect at time t is the last one
// whose StartHour has passed.
type PhaseSchedule []PhaseBoundary

// PhaseBoundary is one named phase's start time, expressed as hour/minute
// within the local day.
type PhaseBoundary struct {
	Name        string
	StartHour   int
	StartMinute int
}

// DefaultPhaseSchedule is the kernel's built-in rhythm: morning 06:00,
// midday 12:00, afternoon 17:00, evening 21:00, night 00:00.
var DefaultPhaseSchedule = PhaseSchedule{
	{Name: "night", StartHour: 0, StartMinute: 0},
	{Name: "morning", StartHour: 6, StartMinute: 0},
	{Name: "midday", StartHour: 12, StartMinute: 0},
	{Name: "afternoon", StartHour: 17, StartMinute: 0},
	{Name: "evening", StartHour: 21, StartMinute: 0},
}

func (ps PhaseSchedule) resolve(t time.Time) string {
	minutesOfDay := t.Hour()*60 + t.Minute()
	phase := "night"
	best := -1
	for _, b := range ps {
		start := b.StartHour*60 + b.StartMinute
		if start <= minutesOfDay && start > best {
			best = start
			phase = b.Name
		}
	}
	return phase
}

// ScheduleSpec is a Schedule trigger's configuration: either a standard
// 5-field cron expression or one of the named phases, resolved against the
// clock's PhaseSchedule.
type ScheduleSpec struct {
	// CronExpr is a standard minute/hour/day-of-month/month/day-of-week
	// expression, parsed by robfig/cron/v3. Mutually exclusive with Phase.
	CronExpr string

	// Phase is a named phase ("morning", "midday", "afternoon", "evening",
	// "night"); NextFire resolves to that phase's next local start time.
	// Mutually exclusive with CronExpr.
	Phase string

	// Location overrides the clock's default timezone for this spec. Nil
	// means use the clock's zone.
	Location *time.Location
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parseCron compiles a standard 5-field cron expression.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("clock: invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// SystemClock is the production Clock, backed by the OS wall clock.
type SystemClock struct {
	phases   PhaseSchedule
	location *time.Location
}

// NewSystemClock creates a Clock using the OS wall clock in loc (nil means
// time.Local), resolving phases against schedule (nil means
// DefaultPhaseSchedule).
func NewSystemClock(loc *time.Location, schedule PhaseSchedule) *SystemClock {
	if loc == nil {
		loc = time.Local
	}
	if schedule == nil {
		schedule = DefaultPhaseSchedule
	}
	return &SystemClock{phases: schedule, location: loc}
}

func (c *SystemClock) Now() time.Time { return time.Now().In(c.location) }

func (c *SystemClock) DayEpoch(t time.Time) int {
	return dayEpoch(t.In(c.location))
}

func (c *SystemClock) Phase(t time.Time) string {
	return c.phases.resolve(t.In(c.location))
}

func (c *SystemClock) NextFire(spec ScheduleSpec, after time.Time) (time.Time, error) {
	return nextFire(spec, after, c.phases, c.location)
}

// dayEpoch converts a local-zone instant into an integer day index:
// days since the Unix epoch in that zone. Strictly increasing across local
// midnight boundaries, which is all callers require.
func dayEpoch(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

func nextFire(spec ScheduleSpec, after time.Time, phases PhaseSchedule, defaultLoc *time.Location) (time.Time, error) {
	loc := defaultLoc
	if spec.Location != nil {
		loc = spec.Location
	}
	after = after.In(loc)

	if spec.Phase != "" {
		return nextPhaseFire(spec.Phase, after, phases, loc)
	}
	sched, err := parseCron(spec.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func nextPhaseFire(phase string, after time.Time, phases PhaseSchedule, loc *time.Location) (time.Time, error) {
	var boundary *PhaseBoundary
	for i := range phases {
		if phases[i].Name == phase {
			boundary = &phases[i]
			break
		}
	}
	if boundary == nil {
		return time.Time{}, fmt.Errorf("clock: unknown phase %q", phase)
	}
	y, m, d := after.Date()
	candidate := time.Date(y, m, d, boundary.StartHour, boundary.StartMinute, 0, 0, loc)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// FakeClock is a test double holding a settable instant, so scheduler and
// trigger tests can advance time deterministically without sleeping. The
// instant is a plain field with no synchronisation.
type FakeClock struct {
	now    time.Time
	phases PhaseSchedule
}

// NewFakeClock creates a FakeClock fixed at now, resolving phases against
// schedule (nil means DefaultPhaseSchedule).
func NewFakeClock(now time.Time, schedule PhaseSchedule) *FakeClock {
	if schedule == nil {
		schedule = DefaultPhaseSchedule
	}
	return &FakeClock{now: now, phases: schedule}
}

func (f *FakeClock) Now() time.Time { return f.now }

// Advance moves the fake clock forward by d and returns the new instant.
func (f *FakeClock) Advance(d time.Duration) time.Time {
	f.now = f.now.Add(d)
	return f.now
}

// Set pins the fake clock to an exact instant.
func (f *FakeClock) Set(t time.Time) { f.now = t }

func (f *FakeClock) DayEpoch(t time.Time) int { return dayEpoch(t) }

func (f *FakeClock) Phase(t time.Time) string { return f.phases.resolve(t) }

func (f *FakeClock) NextFire(spec ScheduleSpec, after time.Time) (time.Time, error) {
	loc := after.Location()
	return nextFire(spec, after, f.phases, loc)
}
