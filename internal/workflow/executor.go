package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/kvflow/internal/runtime"
	"github.com/basket/kvflow/internal/shared"
)

// Executor runs plans against a task runner, one wave at a time. Steps
// within a wave run concurrently, so a consumer step may block on its
// topic while a producer step in the same wave publishes to it.
type Executor struct {
	runner *runtime.Runner
	logger *slog.Logger
}

// NewExecutor creates a plan executor.
func NewExecutor(runner *runtime.Runner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner: runner,
		logger: logger.With("component", "workflow"),
	}
}

// Execute runs a plan to completion and returns per-step results. The
// first failed wave stops the plan; results collected so far are
// returned alongside the error.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	runID := uuid.New().String()
	ctx = shared.WithRunID(ctx, runID)
	e.logger.Info("plan starting", "plan", plan.Name, "run_id", runID, "steps", len(plan.Steps))

	result := &ExecutionResult{
		RunID:       runID,
		StepResults: make(map[string]StepResult),
	}

	order, err := topoSort(plan.Steps)
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	for waveNum, wave := range order {
		if err := e.executeWave(ctx, wave, result); err != nil {
			e.logger.Error("plan failed", "plan", plan.Name, "run_id", runID, "wave", waveNum, "error", err)
			return result, fmt.Errorf("wave %d failed: %w", waveNum, err)
		}
		e.logger.Debug("wave complete", "plan", plan.Name, "run_id", runID,
			"wave", waveNum, "steps", len(wave))
	}

	e.logger.Info("plan complete", "plan", plan.Name, "run_id", runID)
	return result, nil
}

// executeWave runs every step of a wave concurrently and waits for all
// of them. Prompt templates are resolved against earlier waves before
// the wave starts.
func (e *Executor) executeWave(ctx context.Context, wave []Step, result *ExecutionResult) error {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, step := range wave {
		in := step.Input()
		in.Prompt = resolvePrompt(in.Prompt, result)

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			out, err := e.runner.Run(ctx, in)
			sr := StepResult{
				TaskID:     in.TaskID,
				Status:     out.Status,
				Output:     out.Text,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				sr.Error = err.Error()
			}
			mu.Lock()
			result.StepResults[in.TaskID] = sr
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, step := range wave {
		if sr := result.StepResults[step.ID]; sr.Status == runtime.StatusFailed {
			return fmt.Errorf("step %s: %s", step.ID, sr.Error)
		}
	}
	return nil
}

// resolvePrompt replaces {step_id.output} references with the outputs
// of completed steps.
func resolvePrompt(template string, result *ExecutionResult) string {
	resolved := template
	for stepID, sr := range result.StepResults {
		placeholder := "{" + stepID + ".output}"
		resolved = strings.ReplaceAll(resolved, placeholder, sr.Output)
	}
	return resolved
}
