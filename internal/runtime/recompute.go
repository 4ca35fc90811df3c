package runtime

import (
	"context"

	"github.com/basket/kvflow/internal/lineage"
)

// runRecompute rebuilds the ancestor's cache state by replaying its
// token history through the forward executor from position zero,
// instead of importing stored pages. The rebuilt history and the prompt
// are prefilled in a single pass, so every entry lands at the same
// absolute position the import path would have produced. The result is
// exported under the task's own key as a fresh chain root; downstream
// consumers cannot tell which strategy produced it.
func (r *Runner) runRecompute(ctx context.Context, in TaskInput) (string, error) {
	base, err := baseID(in)
	if err != nil {
		return "", err
	}
	history, err := r.history(ctx, base)
	if err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.RecomputeRuns.Add(ctx, 1)
	}
	r.logger.Info("rebuilding ancestor cache by recomputation",
		"task_id", in.TaskID, "base_id", base, "history_tokens", len(history))

	c := NewContext(r.fwd, r.table, r.pageSize)
	defer c.Release()
	toks := append(history, r.tok.Tokenize(in.Prompt)...)
	if err := c.Fill(ctx, toks); err != nil {
		return "", err
	}
	text, err := r.genText(ctx, c, in)
	if err != nil {
		return "", err
	}
	if err := r.export(ctx, in.TaskID, c, nil, text); err != nil {
		return "", err
	}
	return text, nil
}

// history reconstructs the base ancestor's token sequence. The exact
// recorded token_ids are preferred; when no record exists the ancestor's
// plain output text is re-tokenized instead.
func (r *Runner) history(ctx context.Context, base string) ([]uint32, error) {
	raw, ok, err := r.store.Get(ctx, lineage.MetaKey(base))
	if err != nil {
		return nil, err
	}
	if ok {
		rec, err := lineage.DecodeRecord(raw)
		if err != nil {
			return nil, err
		}
		return rec.TokenIDs, nil
	}
	text, err := lineage.LoadOutput(ctx, r.store, base)
	if err != nil {
		return nil, err
	}
	return r.tok.Tokenize(text), nil
}
