package workflow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/kvflow/internal/bus"
	"github.com/basket/kvflow/internal/kvcache"
	"github.com/basket/kvflow/internal/lineage"
	"github.com/basket/kvflow/internal/model"
	"github.com/basket/kvflow/internal/runtime"
	"github.com/basket/kvflow/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := runtime.NewRunner(runtime.Options{
		Fwd:              model.NewRefModel(),
		Tokenizer:        model.NewRefTokenizer(),
		Table:            kvcache.NewTable(),
		Store:            st,
		Queue:            bus.New(),
		Logger:           logger,
		PageSize:         4,
		DefaultMaxTokens: 6,
	})
	return NewExecutor(runner, logger), st
}

func TestExecute_LineageDAG(t *testing.T) {
	e, st := newTestExecutor(t)

	plan := &Plan{
		Name: "lineage",
		Steps: []Step{
			{ID: "root", Mode: runtime.ModeStart, Prompt: "origin story"},
			{ID: "a", Mode: runtime.ModeContinue, Prompt: "branch a", Parents: []string{"root"}},
			{ID: "b", Mode: runtime.ModeRecompute, Prompt: "branch b", Parents: []string{"root"}},
			{ID: "final", Mode: runtime.ModeMerge, Prompt: "combine", Parents: []string{"a", "b"}},
		},
	}
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Failed() {
		t.Fatalf("plan failed: %+v", result.StepResults)
	}
	if len(result.StepResults) != 4 {
		t.Fatalf("step results = %d, want 4", len(result.StepResults))
	}
	if result.RunID == "" {
		t.Fatal("expected run ID")
	}

	ctx := context.Background()
	for _, id := range []string{"root", "a", "b", "final"} {
		if _, ok, err := st.Get(ctx, lineage.MetaKey(id)); err != nil || !ok {
			t.Fatalf("missing lineage record for %s (ok=%v err=%v)", id, ok, err)
		}
	}

	// The merge inherits a's chain, so its record must be one key longer.
	rawA, _, _ := st.Get(ctx, lineage.MetaKey("a"))
	recA, err := lineage.DecodeRecord(rawA)
	if err != nil {
		t.Fatalf("decode a: %v", err)
	}
	rawF, _, _ := st.Get(ctx, lineage.MetaKey("final"))
	recF, err := lineage.DecodeRecord(rawF)
	if err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if got, want := len(recF.KVChain), len(recA.KVChain)+1; got != want {
		t.Fatalf("final chain len = %d, want %d", got, want)
	}
}

// A wave runs concurrently, so blocking consumers and their producers
// can share it: the desks block on the wires' topics and the editor
// blocks on the desks' replies.
func TestExecute_NewsroomFanOut(t *testing.T) {
	e, st := newTestExecutor(t)

	plan := &Plan{
		Name: "newsroom",
		Steps: []Step{
			{ID: "wire_politics", Mode: runtime.ModeWire, Prompt: "senate votes on budget", Topic: "politics_wire"},
			{ID: "wire_tech", Mode: runtime.ModeWire, Prompt: "chipmaker ships accelerator", Topic: "tech_wire"},
			{ID: "wire_sports", Mode: runtime.ModeWire, Prompt: "cup final goes to extra time", Topic: "sports_wire"},
			{ID: "desk_politics", Mode: runtime.ModeDesk, Prompt: "Politics analysis:", Topic: "politics_wire", ReplyTopic: "editor_inbox", Tag: "POLITICS"},
			{ID: "desk_tech", Mode: runtime.ModeDesk, Prompt: "Tech analysis:", Topic: "tech_wire", ReplyTopic: "editor_inbox", Tag: "TECH"},
			{ID: "desk_sports", Mode: runtime.ModeDesk, Prompt: "Sports analysis:", Topic: "sports_wire", ReplyTopic: "editor_inbox", Tag: "SPORTS"},
			{ID: "front_page", Mode: runtime.ModeEditor, Prompt: "Assemble the front page.", Topic: "editor_inbox", Expect: []string{"POLITICS", "TECH", "SPORTS"}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := e.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Failed() {
		t.Fatalf("plan failed: %+v", result.StepResults)
	}
	if _, ok, _ := st.Get(context.Background(), lineage.MetaKey("front_page")); !ok {
		t.Fatal("missing lineage record for front_page")
	}
}

func TestExecute_TemplatedPrompt(t *testing.T) {
	e, st := newTestExecutor(t)

	plan := &Plan{
		Name: "templated",
		Steps: []Step{
			{ID: "root", Mode: runtime.ModeStart, Prompt: "seed words"},
			{ID: "next", Mode: runtime.ModeStart, Prompt: "respond to {root.output}", DependsOn: []string{"root"}},
		},
	}
	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Failed() {
		t.Fatalf("plan failed: %+v", result.StepResults)
	}
	if _, ok, _ := st.Get(context.Background(), lineage.MetaKey("next")); !ok {
		t.Fatal("missing lineage record for next")
	}
}

func TestExecute_FailedStepStopsPlan(t *testing.T) {
	e, _ := newTestExecutor(t)

	plan := &Plan{
		Name: "broken",
		Steps: []Step{
			{ID: "orphan", Mode: runtime.ModeContinue, Prompt: "no parent exists", Parents: []string{"ghost"}},
			{ID: "after", Mode: runtime.ModeStart, Prompt: "never runs", DependsOn: []string{"orphan"}},
		},
	}
	result, err := e.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected plan failure")
	}
	sr, ok := result.StepResults["orphan"]
	if !ok || sr.Status != runtime.StatusFailed {
		t.Fatalf("orphan result = %+v", sr)
	}
	if _, ran := result.StepResults["after"]; ran {
		t.Fatal("step after a failed wave must not run")
	}
}

func TestExecute_InvalidPlan(t *testing.T) {
	e, _ := newTestExecutor(t)
	if _, err := e.Execute(context.Background(), &Plan{Name: "empty"}); err == nil {
		t.Fatal("expected error for empty plan")
	}
}
