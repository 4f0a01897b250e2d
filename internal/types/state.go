package types

import "time"

// Activity is the entity's single current activity. Exactly one is active
// at a time; current_activity == idle iff ActiveSessionID is empty.
type Activity string

const (
	ActivityIdle       Activity = "idle"
	ActivityChat       Activity = "chat"
	ActivityResearch   Activity = "research"
	ActivityReflection Activity = "reflection"
	ActivityDreaming   Activity = "dreaming"
	ActivityJournal    Activity = "journal"
	ActivityOther      Activity = "other"
)

// GlobalState is the single process-wide record the state bus owns.
// Every field is persisted on every change; emotional fields are clamped to
// [0,1] at every write, never rejected.
type GlobalState struct {
	// Emotional fields, each in [0,1], decaying toward a configured
	// baseline on every clock tick.
	Engagement           float64
	CognitiveLoad        float64
	RelationalWarmth     float64
	UncertaintyTolerance float64
	Curiosity            float64
	Contentment          float64
	Anticipation         float64
	Concern              float64

	// Meta fields, each in [0,1].
	CoherenceConfidence float64
	EnergyAvailable     float64

	// Activity fields.
	CurrentActivity Activity
	ActiveSessionID string // empty iff CurrentActivity == ActivityIdle
	ActiveUserID    string

	// Rhythm fields.
	RhythmPhase       string
	RhythmDaySummary  string
	DayEpoch          int

	// Narrative fields, bounded to the most recent N, insertion order
	// preserved.
	ActiveThreads   []string
	ActiveQuestions []string

	// Audit fields.
	LastUpdated   time.Time
	LastUpdatedBy string
	Revision      uint64
}

// Clone returns a deep copy suitable for handing out as a read snapshot or
// for mutating in place before an atomic pointer swap.
func (s *GlobalState) Clone() *GlobalState {
	c := *s
	c.ActiveThreads = append([]string(nil), s.ActiveThreads...)
	c.ActiveQuestions = append([]string(nil), s.ActiveQuestions...)
	return &c
}

// EmotionalFields returns the eight emotional field values by name, for
// decay-tick iteration and CEL variable binding.
func (s *GlobalState) EmotionalFields() map[string]float64 {
	return map[string]float64{
		"engagement":             s.Engagement,
		"cognitive_load":         s.CognitiveLoad,
		"relational_warmth":      s.RelationalWarmth,
		"uncertainty_tolerance":  s.UncertaintyTolerance,
		"curiosity":              s.Curiosity,
		"contentment":            s.Contentment,
		"anticipation":           s.Anticipation,
		"concern":                s.Concern,
	}
}

// SetEmotionalField assigns a clamped value back by name. Unknown names are
// a no-op; callers that need an error for unknown fields should check
// against EmotionalFields' keys first.
func (s *GlobalState) SetEmotionalField(name string, value float64) {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	switch name {
	case "engagement":
		s.Engagement = value
	case "cognitive_load":
		s.CognitiveLoad = value
	case "relational_warmth":
		s.RelationalWarmth = value
	case "uncertainty_tolerance":
		s.UncertaintyTolerance = value
	case "curiosity":
		s.Curiosity = value
	case "contentment":
		s.Contentment = value
	case "anticipation":
		s.Anticipation = value
	case "concern":
		s.Concern = value
	}
}

// SetFlag marks which side of a union field a delta touches, distinguishing
// "set to empty string" from "leave unchanged" for nullable string fields.
type SetFlag int

const (
	// SetUnchanged leaves the field as-is.
	SetUnchanged SetFlag = iota
	// SetValue applies the accompanying value.
	SetValue
	// SetClear resets the field to its zero value (e.g. end a session).
	SetClear
)

// StateDelta is a partial update merged into GlobalState by the bus. Numeric
// fields add (then clamp); set fields union or remove by explicit flag;
// scalar fields replace only when their SetFlag is SetValue or SetClear.
type StateDelta struct {
	Source    string // node id, or "clock" for the decay tick
	Timestamp time.Time
	Reason    string

	// Event, if non-empty, is emitted (in addition to state.changed) once
	// the merge commits.
	Event string

	// Emotional deltas add to the current value before clamping; a zero
	// value means "no change" (use EmotionalFields to distinguish a
	// genuine zero delta if ever needed — in practice additive deltas of
	// exactly 0 are indistinguishable from absence, which matches the
	// additive-merge semantics).
	EmotionalDeltas map[string]float64

	MetaDeltas map[string]float64 // "coherence_confidence", "energy_available"

	ActivityFlag    SetFlag
	Activity        Activity
	SessionIDFlag   SetFlag
	ActiveSessionID string
	UserIDFlag      SetFlag
	ActiveUserID    string

	RhythmPhaseFlag SetFlag
	RhythmPhase     string
	DaySummaryFlag  SetFlag
	RhythmDaySummary string
	DayEpochFlag    SetFlag
	DayEpoch        int

	AddThreads      []string
	RemoveThreads   []string
	AddQuestions    []string
	RemoveQuestions []string

	// ExpectedRevision, if non-zero, makes the merge a compare-and-swap:
	// WriteDelta fails if the current revision does not match.
	ExpectedRevision uint64
}
