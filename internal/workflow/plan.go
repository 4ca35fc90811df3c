// Package workflow runs DAG plans of generation tasks in dependency
// order: steps whose parents and ordering edges are satisfied execute
// together as a wave.
package workflow

import (
	"fmt"

	"github.com/basket/kvflow/internal/runtime"
)

// Plan is a DAG of task steps executed in dependency order.
type Plan struct {
	Name  string
	Steps []Step
}

// Step is one task in a plan. Parents are lineage parents (element 0
// is the base whose cache chain the task inherits); DependsOn adds
// ordering edges without lineage meaning. A parent naming a step in
// the same plan is an implicit ordering edge too.
type Step struct {
	ID        string
	Mode      string
	Prompt    string
	Parents   []string
	DependsOn []string

	Topic      string
	ReplyTopic string
	Tag        string
	Expect     []string

	Params runtime.GenParams
}

// Input converts the step to a runnable task input.
func (s Step) Input() runtime.TaskInput {
	return runtime.TaskInput{
		TaskID:        s.ID,
		Mode:          s.Mode,
		Prompt:        s.Prompt,
		ParentTaskIDs: s.Parents,
		Params:        s.Params,
		Topic:         s.Topic,
		ReplyTopic:    s.ReplyTopic,
		Tag:           s.Tag,
		Expect:        s.Expect,
	}
}

// StepResult is the outcome of a single step.
type StepResult struct {
	TaskID     string
	Status     string
	Output     string
	Error      string
	DurationMs int64
}

// ExecutionResult is the overall result of a plan execution.
type ExecutionResult struct {
	RunID       string
	StepResults map[string]StepResult
}

// Failed reports whether any step ended in failure.
func (r *ExecutionResult) Failed() bool {
	for _, sr := range r.StepResults {
		if sr.Status == runtime.StatusFailed {
			return true
		}
	}
	return false
}

// Validate checks that the plan is well-formed.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	seen := make(map[string]bool)
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step has empty ID")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step ID: %s", s.ID)
		}
		seen[s.ID] = true
	}

	// Ordering edges must reference plan steps. Parents may also name
	// tasks that already exist in the store, so they are not checked
	// here; a dangling parent surfaces at run time as a missing
	// ancestor.
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %s depends on nonexistent step %s", s.ID, dep)
			}
		}
	}

	_, err := topoSort(p.Steps)
	return err
}

// edges returns the step IDs that must complete before s: its explicit
// ordering edges plus any lineage parent that is itself a plan step.
func edges(s Step, inPlan map[string]bool) []string {
	deps := append([]string{}, s.DependsOn...)
	for _, parent := range s.Parents {
		if inPlan[parent] {
			deps = append(deps, parent)
		}
	}
	return deps
}

// topoSort groups plan steps into waves: steps with no unprocessed
// dependencies form wave 0, steps depending only on wave 0 form wave 1,
// and so on.
func topoSort(steps []Step) ([][]Step, error) {
	inPlan := make(map[string]bool)
	for _, s := range steps {
		inPlan[s.ID] = true
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !inPlan[dep] {
				return nil, fmt.Errorf("step %s depends on nonexistent step %s", s.ID, dep)
			}
		}
	}

	// Kahn's algorithm into waves.
	var waves [][]Step
	processed := make(map[string]bool)

	for len(processed) < len(steps) {
		var wave []Step
		for _, s := range steps {
			if processed[s.ID] {
				continue
			}

			canRun := true
			for _, dep := range edges(s, inPlan) {
				if !processed[dep] {
					canRun = false
					break
				}
			}

			if canRun {
				wave = append(wave, s)
			}
		}

		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in plan dependencies")
		}

		waves = append(waves, wave)
		for _, s := range wave {
			processed[s.ID] = true
		}
	}

	return waves, nil
}
