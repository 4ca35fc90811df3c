package workflow

import (
	"testing"
)

func TestTopoSort_Waves(t *testing.T) {
	steps := []Step{
		{ID: "root", Mode: "start"},
		{ID: "a", Mode: "continue", Parents: []string{"root"}},
		{ID: "b", Mode: "recompute", Parents: []string{"root"}},
		{ID: "merge", Mode: "merge", Parents: []string{"a", "b"}},
	}
	waves, err := topoSort(steps)
	if err != nil {
		t.Fatalf("topoSort: %v", err)
	}
	if len(waves) != 3 {
		t.Fatalf("waves = %d, want 3", len(waves))
	}
	if len(waves[0]) != 1 || waves[0][0].ID != "root" {
		t.Fatalf("wave 0 = %v", waves[0])
	}
	if len(waves[1]) != 2 {
		t.Fatalf("wave 1 has %d steps, want 2", len(waves[1]))
	}
	if len(waves[2]) != 1 || waves[2][0].ID != "merge" {
		t.Fatalf("wave 2 = %v", waves[2])
	}
}

// A parent outside the plan is a pre-existing store task, not an
// ordering edge.
func TestTopoSort_ExternalParent(t *testing.T) {
	steps := []Step{
		{ID: "child", Mode: "continue", Parents: []string{"preexisting"}},
	}
	waves, err := topoSort(steps)
	if err != nil {
		t.Fatalf("topoSort: %v", err)
	}
	if len(waves) != 1 {
		t.Fatalf("waves = %d, want 1", len(waves))
	}
}

func TestTopoSort_Cycle(t *testing.T) {
	steps := []Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	if _, err := topoSort(steps); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{"empty", Plan{Name: "p"}, true},
		{"empty step id", Plan{Name: "p", Steps: []Step{{Mode: "start"}}}, true},
		{"duplicate ids", Plan{Name: "p", Steps: []Step{{ID: "x"}, {ID: "x"}}}, true},
		{"unknown dep", Plan{Name: "p", Steps: []Step{{ID: "x", DependsOn: []string{"y"}}}}, true},
		{"ok", Plan{Name: "p", Steps: []Step{
			{ID: "x", Mode: "start"},
			{ID: "y", Mode: "continue", Parents: []string{"x"}},
		}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plan.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestResolvePrompt(t *testing.T) {
	result := &ExecutionResult{StepResults: map[string]StepResult{
		"root": {Output: "the findings"},
	}}
	got := resolvePrompt("Summarize: {root.output}", result)
	if got != "Summarize: the findings" {
		t.Fatalf("resolved = %q", got)
	}
	if got := resolvePrompt("no refs here", result); got != "no refs here" {
		t.Fatalf("resolved = %q", got)
	}
}
