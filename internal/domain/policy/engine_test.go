package policy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testInput() Input {
	return Input{
		ToolName:  "read_file",
		Role:      "developer",
		RiskClass: "low",
		Timestamp: time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
	}
}

func TestEvaluate_FirstMatchWinsByPriority(t *testing.T) {
	engine := NewEngine(EffectDeny, nil, testLogger())
	rs := &Ruleset{
		TenantID: "acme",
		Rules: []Rule{
			{ID: "r2", Priority: 10, Effect: EffectAllow, When: When{Tools: []string{"read_file"}}},
			{ID: "r1", Priority: 100, Effect: EffectDeny, When: When{Tools: []string{"read_file"}}},
		},
	}

	d, err := engine.Evaluate(context.Background(), testInput(), rs)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Decision != EffectDeny {
		t.Errorf("Decision = %q, want deny (higher priority wins)", d.Decision)
	}
	if d.MatchedRuleID != "r1" {
		t.Errorf("MatchedRuleID = %q, want r1", d.MatchedRuleID)
	}
	if len(d.ReasonCodes) == 0 || d.ReasonCodes[0] != ReasonRuleMatch {
		t.Errorf("ReasonCodes = %v", d.ReasonCodes)
	}
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	engine := NewEngine(EffectDeny, nil, testLogger())
	d, err := engine.Evaluate(context.Background(), testInput(), &Ruleset{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Decision != EffectDeny {
		t.Errorf("Decision = %q, want deny", d.Decision)
	}
	if len(d.ReasonCodes) != 1 || d.ReasonCodes[0] != ReasonDefaultDeny {
		t.Errorf("ReasonCodes = %v, want [DEFAULT_DENY]", d.ReasonCodes)
	}
}

func TestEvaluate_DefaultAllowConfigurable(t *testing.T) {
	engine := NewEngine(EffectAllow, nil, testLogger())
	d, err := engine.Evaluate(context.Background(), testInput(), nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Decision != EffectAllow {
		t.Errorf("Decision = %q, want allow", d.Decision)
	}
	if d.ReasonCodes[0] != ReasonDefaultAllow {
		t.Errorf("ReasonCodes = %v", d.ReasonCodes)
	}
}

func TestEvaluate_InvalidDefaultFallsBackToDeny(t *testing.T) {
	engine := NewEngine(EffectTransform, nil, testLogger())
	d, _ := engine.Evaluate(context.Background(), testInput(), nil)
	if d.Decision != EffectDeny {
		t.Errorf("Decision = %q, want deny fallback", d.Decision)
	}
}

func TestEvaluate_RequiredInputs(t *testing.T) {
	engine := NewEngine(EffectDeny, nil, testLogger())
	if _, err := engine.Evaluate(context.Background(), Input{Timestamp: time.Now()}, nil); err == nil {
		t.Error("missing tool name should error")
	}
	if _, err := engine.Evaluate(context.Background(), Input{ToolName: "x"}, nil); err == nil {
		t.Error("missing timestamp should error")
	}
}

func TestEvaluate_AllPredicatesMustHold(t *testing.T) {
	rule := Rule{
		ID: "strict", Priority: 1, Effect: EffectAllow,
		When: When{
			Tools:        []string{"read_file"},
			Roles:        []string{"developer"},
			RiskClass:    "low",
			Projects:     []string{"p1"},
			Environments: []string{"prod"},
			ArgsMatch:    map[string]interface{}{"mode": "safe"},
		},
	}
	rs := &Ruleset{Rules: []Rule{rule}}
	engine := NewEngine(EffectDeny, nil, testLogger())

	match := testInput()
	match.ProjectID = "p1"
	match.Environment = "prod"
	match.Args = map[string]interface{}{"mode": "safe", "extra": 1}

	d, err := engine.Evaluate(context.Background(), match, rs)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.MatchedRuleID != "strict" {
		t.Fatalf("expected match, got %+v", d)
	}

	// Flip each attribute and verify the rule stops matching.
	variants := []func(*Input){
		func(in *Input) { in.ToolName = "write_file" },
		func(in *Input) { in.Role = "intern" },
		func(in *Input) { in.RiskClass = "high" },
		func(in *Input) { in.ProjectID = "p2" },
		func(in *Input) { in.Environment = "staging" },
		func(in *Input) { in.Args = map[string]interface{}{"mode": "fast"} },
	}
	for i, mutate := range variants {
		in := match
		mutate(&in)
		d, err := engine.Evaluate(context.Background(), in, rs)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if d.MatchedRuleID != "" {
			t.Errorf("variant %d should not match, got rule %s", i, d.MatchedRuleID)
		}
	}
}

func TestEvaluate_ToolPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		tool    string
		match   bool
	}{
		{"read_file", "read_file", true},
		{"read_file", "read_files", false},
		{"file_*", "file_read", true},
		{"*_admin", "db_admin", true},
		{"*exec*", "shell_exec_cmd", true},
		{"*", "anything", true},
		{"file_*", "read_file", false},
	}
	engine := NewEngine(EffectDeny, nil, testLogger())
	for _, tt := range tests {
		rs := &Ruleset{Rules: []Rule{{
			ID: "r", Priority: 1, Effect: EffectAllow,
			When: When{Tools: []string{tt.pattern}},
		}}}
		in := testInput()
		in.ToolName = tt.tool
		d, err := engine.Evaluate(context.Background(), in, rs)
		if err != nil {
			t.Fatalf("Evaluate(%s vs %s) error = %v", tt.pattern, tt.tool, err)
		}
		got := d.MatchedRuleID == "r"
		if got != tt.match {
			t.Errorf("pattern %q vs tool %q: match = %v, want %v", tt.pattern, tt.tool, got, tt.match)
		}
	}
}

func TestTimeWindow(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
	}
	w := &TimeWindow{Start: "09:00", End: "17:00"}
	// Inclusive on both ends.
	if !w.Contains(at(9, 0)) || !w.Contains(at(17, 0)) {
		t.Error("window must be inclusive on both ends")
	}
	if w.Contains(at(8, 59)) || w.Contains(at(17, 1)) {
		t.Error("window matched outside bounds")
	}
	// Wrapping window.
	night := &TimeWindow{Start: "22:00", End: "06:00"}
	if !night.Contains(at(23, 30)) || !night.Contains(at(5, 0)) {
		t.Error("wrapping window failed")
	}
	if night.Contains(at(12, 0)) {
		t.Error("wrapping window matched midday")
	}
}

func TestEvaluate_TransformPatch(t *testing.T) {
	rs := &Ruleset{Rules: []Rule{{
		ID: "t1", Priority: 5, Effect: EffectTransform,
		When: When{Tools: []string{"read_file"}},
		Transforms: []transform.Config{
			{Kind: transform.KindForceArgs, ForceArgs: map[string]interface{}{"model": "small"}},
			{Kind: transform.KindRedact, Redact: &transform.RedactConfig{}},
		},
	}}}
	engine := NewEngine(EffectDeny, nil, testLogger())
	d, err := engine.Evaluate(context.Background(), testInput(), rs)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Decision != EffectTransform {
		t.Fatalf("Decision = %q", d.Decision)
	}
	if d.TransformPatch == nil {
		t.Fatal("expected transform patch")
	}
	if d.TransformPatch.ForceArgs["model"] != "small" {
		t.Errorf("ForceArgs = %v", d.TransformPatch.ForceArgs)
	}
	if len(d.TransformPatch.Transforms) != 2 {
		t.Errorf("Transforms = %d, want 2", len(d.TransformPatch.Transforms))
	}
}

type fakeConditions struct {
	result bool
	err    error
	seen   string
}

func (f *fakeConditions) EvaluateCondition(_ context.Context, expr string, _ Input) (bool, error) {
	f.seen = expr
	return f.result, f.err
}

func TestEvaluate_Condition(t *testing.T) {
	rs := &Ruleset{Rules: []Rule{{
		ID: "c1", Priority: 1, Effect: EffectDeny,
		When: When{Tools: []string{"read_file"}, Condition: `args.size > 100`},
	}}}

	cond := &fakeConditions{result: true}
	engine := NewEngine(EffectAllow, cond, testLogger())
	d, err := engine.Evaluate(context.Background(), testInput(), rs)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.MatchedRuleID != "c1" {
		t.Errorf("expected condition match, got %+v", d)
	}
	if cond.seen != `args.size > 100` {
		t.Errorf("condition not passed through: %q", cond.seen)
	}

	cond.result = false
	d, _ = engine.Evaluate(context.Background(), testInput(), rs)
	if d.MatchedRuleID != "" {
		t.Error("false condition should not match")
	}

	// Condition without evaluator is a hard error, not a silent skip.
	noEval := NewEngine(EffectAllow, nil, testLogger())
	if _, err := noEval.Evaluate(context.Background(), testInput(), rs); err == nil {
		t.Error("expected error when condition present without evaluator")
	}
}

func TestEvaluate_PureFunction(t *testing.T) {
	// Same input, same ruleset, same decision — repeatedly.
	rs := &Ruleset{Rules: []Rule{
		{ID: "a", Priority: 50, Effect: EffectAllow, When: When{Roles: []string{"developer"}}},
		{ID: "b", Priority: 90, Effect: EffectDeny, When: When{RiskClass: "low"}},
	}}
	engine := NewEngine(EffectDeny, nil, testLogger())
	var first Decision
	for i := 0; i < 10; i++ {
		d, err := engine.Evaluate(context.Background(), testInput(), rs)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if i == 0 {
			first = d
			continue
		}
		if d.Decision != first.Decision || d.MatchedRuleID != first.MatchedRuleID {
			t.Fatalf("non-deterministic decision: %+v vs %+v", d, first)
		}
	}
	if first.MatchedRuleID != "b" {
		t.Errorf("MatchedRuleID = %q, want b (priority 90)", first.MatchedRuleID)
	}
}
