package trigger

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"

	"github.com/lumenhearth/cogkernel/internal/types"
)

// thresholdFieldNames lists every GlobalState field a StateThreshold
// expression may reference.
var thresholdFieldNames = []string{
	"engagement", "cognitive_load", "relational_warmth", "uncertainty_tolerance",
	"curiosity", "contentment", "anticipation", "concern",
	"coherence_confidence", "energy_available", "current_activity", "rhythm_phase",
}

// celEnv declares every GlobalState field a StateThreshold expression may
// reference. Built once; celProgram instances are compiled against it.
var celEnv = mustCelEnv()

func mustCelEnv() *cel.Env {
	opts := make([]cel.EnvOption, 0, len(thresholdFieldNames))
	for _, name := range thresholdFieldNames {
		switch name {
		case "current_activity", "rhythm_phase":
			opts = append(opts, cel.Variable(name, cel.StringType))
		default:
			opts = append(opts, cel.Variable(name, cel.DoubleType))
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		panic(fmt.Sprintf("trigger: build cel env: %v", err))
	}
	return env
}

// celProgram is a compiled StateThreshold boolean expression.
type celProgram struct {
	prog    cel.Program
	source  string
	watched []string
}

func compileThreshold(expr string) (celProgram, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return celProgram{}, fmt.Errorf("trigger: compile threshold %q: %w", expr, issues.Err())
	}
	prog, err := celEnv.Program(ast)
	if err != nil {
		return celProgram{}, fmt.Errorf("trigger: program threshold %q: %w", expr, err)
	}
	return celProgram{prog: prog, source: expr, watched: extractWatchedFields(expr)}, nil
}

func (p celProgram) Eval(vars map[string]interface{}) (bool, error) {
	out, _, err := p.prog.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trigger: threshold expression did not evaluate to bool")
	}
	return b, nil
}

var fieldIdentifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// extractWatchedFields scans expr's identifiers against the known
// GlobalState field names; the result builds the evaluator's field index
// (a trigger with no watched field is never re-checked). A plain token scan
// over the compiled environment's variable set is sufficient here: CEL
// threshold expressions are small boolean comparisons, not arbitrary code,
// so false positives from e.g. identifiers inside string literals are not a
// practical concern.
func extractWatchedFields(expr string) []string {
	known := make(map[string]bool, len(thresholdFieldNames))
	for _, n := range thresholdFieldNames {
		known[n] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, tok := range fieldIdentifierPattern.FindAllString(expr, -1) {
		if known[tok] && !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

func watchedIdentifiers(p celProgram) []string {
	return p.watched
}

// thresholdVars builds the CEL variable binding from a GlobalState
// snapshot.
func thresholdVars(s *types.GlobalState) map[string]interface{} {
	vars := make(map[string]interface{}, 12)
	for k, v := range s.EmotionalFields() {
		vars[k] = v
	}
	vars["coherence_confidence"] = s.CoherenceConfidence
	vars["energy_available"] = s.EnergyAvailable
	vars["current_activity"] = string(s.CurrentActivity)
	vars["rhythm_phase"] = s.RhythmPhase
	return vars
}
