package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/kvflow/internal/audit"
	"github.com/basket/kvflow/internal/bus"
	"github.com/basket/kvflow/internal/kvcache"
	"github.com/basket/kvflow/internal/lineage"
	"github.com/basket/kvflow/internal/model"
	kvotel "github.com/basket/kvflow/internal/otel"
	"github.com/basket/kvflow/internal/shared"
)

// Task modes. Unknown modes fall back to ModeContinue, logged.
const (
	ModeStart     = "start"
	ModeContinue  = "continue"
	ModeRecompute = "recompute"
	ModeMerge     = "merge"
	ModeWire      = "wire"
	ModeDesk      = "desk"
	ModeEditor    = "editor"
	ModeTagged    = "tagged"
)

// Task statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DefaultPageSize is the page capacity used when none is configured.
const DefaultPageSize = 16

// TaskOutput is the result of one task run.
type TaskOutput struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Options configures a Runner. Fwd, Tokenizer, Table and Store are
// required; the rest have working defaults.
type Options struct {
	Fwd       model.Forward
	Tokenizer model.Tokenizer
	Table     *kvcache.Table
	Store     lineage.Store
	Queue     *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *kvotel.Metrics
	PageSize  int

	// DefaultMaxTokens bounds generation for tasks that set no limit.
	DefaultMaxTokens int
}

// Runner executes generation tasks: it resolves inherited cache state,
// drives generation, and exports each task's lineage delta and output.
type Runner struct {
	fwd      model.Forward
	tok      model.Tokenizer
	table    *kvcache.Table
	store    lineage.Store
	queue    *bus.Bus
	resolver *lineage.Resolver
	exporter *lineage.Exporter
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *kvotel.Metrics
	pageSize int
	maxTok   atomic.Int64
}

// forwardTimer wraps a Forward implementation to time each pass.
type forwardTimer struct {
	inner   model.Forward
	metrics *kvotel.Metrics
}

func (f *forwardTimer) EOSTokens() []uint32 { return f.inner.EOSTokens() }

func (f *forwardTimer) Forward(ctx context.Context, steps []model.Step, pages []*kvcache.Page, lastLen int) ([]float32, error) {
	start := time.Now()
	logits, err := f.inner.Forward(ctx, steps, pages, lastLen)
	f.metrics.ForwardDuration.Record(ctx, time.Since(start).Seconds())
	return logits, err
}

// NewRunner creates a Runner from opts.
func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime")
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(kvotel.TracerName)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxTok := opts.DefaultMaxTokens
	if maxTok <= 0 {
		maxTok = 64
	}
	fwd := opts.Fwd
	if opts.Metrics != nil {
		fwd = &forwardTimer{inner: fwd, metrics: opts.Metrics}
	}
	r := &Runner{
		fwd:      fwd,
		tok:      opts.Tokenizer,
		table:    opts.Table,
		store:    opts.Store,
		queue:    opts.Queue,
		resolver: lineage.NewResolver(opts.Store, logger),
		exporter: lineage.NewExporter(opts.Store, logger),
		logger:   logger,
		tracer:   tracer,
		metrics:  opts.Metrics,
		pageSize: pageSize,
	}
	r.maxTok.Store(int64(maxTok))
	return r
}

// SetDefaultMaxTokens updates the generation bound applied to tasks
// that set no limit of their own. Safe to call while tasks run; used
// for config hot reload.
func (r *Runner) SetDefaultMaxTokens(n int) {
	if n > 0 {
		r.maxTok.Store(int64(n))
	}
}

// RunJSON validates and decodes raw task input, then runs it.
func (r *Runner) RunJSON(ctx context.Context, raw []byte) (TaskOutput, error) {
	in, err := ParseInput(raw)
	if err != nil {
		r.logger.Error("rejecting task input", "error", err)
		return TaskOutput{Status: StatusFailed, Error: err.Error()}, err
	}
	return r.Run(ctx, in)
}

// Run executes one task to completion. The returned TaskOutput always
// carries a status; the error, when non-nil, is the fatal cause.
func (r *Runner) Run(ctx context.Context, in TaskInput) (TaskOutput, error) {
	ctx = shared.WithTaskID(ctx, in.TaskID)
	ctx, span := kvotel.StartSpan(ctx, r.tracer, "task.run",
		kvotel.AttrTaskID.String(in.TaskID),
		kvotel.AttrMode.String(in.Mode),
	)
	defer span.End()

	start := time.Now()
	text, err := r.dispatch(ctx, in)
	if r.metrics != nil {
		r.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(kvotel.AttrMode.String(in.Mode)))
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.TaskFailures.Add(ctx, 1,
				metric.WithAttributes(kvotel.AttrMode.String(in.Mode)))
		}
		r.logger.Error("task failed", "task_id", in.TaskID, "mode", in.Mode, "error", err)
		audit.Record(in.TaskID, shared.RunID(ctx), in.Mode, StatusFailed, err.Error())
		return TaskOutput{TaskID: in.TaskID, Status: StatusFailed, Error: err.Error()}, err
	}
	r.logger.Info("task complete", "task_id", in.TaskID, "mode", in.Mode,
		"duration_ms", time.Since(start).Milliseconds())
	audit.Record(in.TaskID, shared.RunID(ctx), in.Mode, StatusSuccess, "")
	return TaskOutput{TaskID: in.TaskID, Status: StatusSuccess, Text: text}, nil
}

func (r *Runner) dispatch(ctx context.Context, in TaskInput) (string, error) {
	switch in.Mode {
	case ModeStart:
		return r.runStart(ctx, in)
	case ModeContinue:
		return r.runContinue(ctx, in)
	case ModeRecompute:
		return r.runRecompute(ctx, in)
	case ModeMerge:
		return r.runMerge(ctx, in)
	case ModeWire:
		return r.runWire(ctx, in)
	case ModeDesk:
		return r.runDesk(ctx, in)
	case ModeEditor:
		return r.runEditor(ctx, in)
	case ModeTagged:
		return r.runTagged(ctx, in)
	default:
		r.logger.Warn("unknown task mode, treating as continue",
			"task_id", in.TaskID, "mode", in.Mode)
		return r.runContinue(ctx, in)
	}
}

// baseID returns ParentTaskIDs[0], the base whose cache chain a task
// inherits.
func baseID(in TaskInput) (string, error) {
	if len(in.ParentTaskIDs) == 0 {
		return "", fmt.Errorf("%w: mode %q requires a base parent task", ErrMalformedInput, in.Mode)
	}
	return in.ParentTaskIDs[0], nil
}

func (r *Runner) params(in TaskInput) GenParams {
	p := in.Params
	if p.MaxTokens <= 0 {
		p.MaxTokens = int(r.maxTok.Load())
	}
	if p.TopP <= 0 || p.TopP > 1 {
		p.TopP = 1
	}
	return p
}

// genText samples tokens until the stop condition fires and returns
// the decoded text. The context must already hold filled prompt state.
func (r *Runner) genText(ctx context.Context, c *Context, in TaskInput) (string, error) {
	p := r.params(in)
	sampler := model.NewTopPSampler(p.Temperature, p.TopP, p.Seed)
	stop := model.Any(model.MaxLen(p.MaxTokens), model.EndsWithAny(r.fwd.EOSTokens()))
	gen, err := c.Generate(ctx, sampler, stop)
	if err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.TokensGenerated.Add(ctx, int64(len(gen)))
	}
	return r.tok.Detokenize(trimEOS(gen, r.fwd.EOSTokens())), nil
}

// generate fills the prompt and then samples.
func (r *Runner) generate(ctx context.Context, c *Context, in TaskInput, prompt string) (string, error) {
	if err := c.Fill(ctx, r.tok.Tokenize(prompt)); err != nil {
		return "", err
	}
	return r.genText(ctx, c, in)
}

// export persists the task's cache delta and output text under exportID.
func (r *Runner) export(ctx context.Context, exportID string, c *Context, baseChain []string, text string) error {
	pages, err := c.Pages()
	if err != nil {
		return err
	}
	rec, err := r.exporter.ExportDelta(ctx, exportID, pages, c.ImportedCount(), c.TokenIDs(), baseChain)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.PagesExported.Add(ctx, int64(len(pages)-c.ImportedCount()))
		r.metrics.ChainLength.Record(ctx, int64(len(rec.KVChain)))
	}
	return r.exporter.SaveOutput(ctx, exportID, text)
}

func (r *Runner) runStart(ctx context.Context, in TaskInput) (string, error) {
	c := NewContext(r.fwd, r.table, r.pageSize)
	defer c.Release()
	text, err := r.generate(ctx, c, in, in.Prompt)
	if err != nil {
		return "", err
	}
	if err := r.export(ctx, in.TaskID, c, nil, text); err != nil {
		return "", err
	}
	return text, nil
}

func (r *Runner) runContinue(ctx context.Context, in TaskInput) (string, error) {
	base, err := baseID(in)
	if err != nil {
		return "", err
	}
	res, err := r.resolver.Resolve(ctx, base)
	if err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.PagesImported.Add(ctx, int64(res.ImportedCount))
	}
	c := NewImportedContext(r.fwd, r.table, r.pageSize, res)
	defer c.Release()
	text, err := r.generate(ctx, c, in, in.Prompt)
	if err != nil {
		return "", err
	}
	if err := r.export(ctx, in.TaskID, c, res.Chain, text); err != nil {
		return "", err
	}
	return text, nil
}

// runMerge continues from the base parent's chain while folding the
// remaining parents' output texts into the prompt. A missing reference
// output is fatal.
func (r *Runner) runMerge(ctx context.Context, in TaskInput) (string, error) {
	if len(in.ParentTaskIDs) < 2 {
		return "", fmt.Errorf("%w: merge requires a base and at least one reference parent", ErrMalformedInput)
	}
	base := in.ParentTaskIDs[0]
	res, err := r.resolver.Resolve(ctx, base)
	if err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.PagesImported.Add(ctx, int64(res.ImportedCount))
	}

	prompt := in.Prompt
	for i, ref := range in.ParentTaskIDs[1:] {
		text, err := lineage.LoadOutput(ctx, r.store, ref)
		if err != nil {
			return "", fmt.Errorf("reference parent %q: %w", ref, err)
		}
		prompt += fmt.Sprintf("\n\nReport %d:\n%s", i+1, text)
	}

	c := NewImportedContext(r.fwd, r.table, r.pageSize, res)
	defer c.Release()
	text, err := r.generate(ctx, c, in, prompt)
	if err != nil {
		return "", err
	}
	if err := r.export(ctx, in.TaskID, c, res.Chain, text); err != nil {
		return "", err
	}
	return text, nil
}

func trimEOS(gen []uint32, eos []uint32) []uint32 {
	isEOS := func(t uint32) bool {
		for _, e := range eos {
			if t == e {
				return true
			}
		}
		return false
	}
	for len(gen) > 0 && isEOS(gen[len(gen)-1]) {
		gen = gen[:len(gen)-1]
	}
	return gen
}
