package runtime

import (
	"context"

	"github.com/basket/kvflow/internal/tagproto"
)

// runTagged drives a task whose prompt carries inline [SAVE:key] and
// [LOAD:key] directives. A load key names the ancestor whose chain to
// import; a save key overrides the identity the result is exported
// under. Any tags the generator echoes back are stripped before the
// text is returned or persisted.
func (r *Runner) runTagged(ctx context.Context, in TaskInput) (string, error) {
	d := tagproto.Parse(in.Prompt)
	exportID := d.SaveKey
	if exportID == "" {
		exportID = in.TaskID
	}

	var (
		c     *Context
		chain []string
	)
	if d.LoadKey != "" {
		res, err := r.resolver.Resolve(ctx, d.LoadKey)
		if err != nil {
			return "", err
		}
		if r.metrics != nil {
			r.metrics.PagesImported.Add(ctx, int64(res.ImportedCount))
		}
		c = NewImportedContext(r.fwd, r.table, r.pageSize, res)
		chain = res.Chain
	} else {
		c = NewContext(r.fwd, r.table, r.pageSize)
	}
	defer c.Release()

	r.logger.Debug("tagged task", "task_id", in.TaskID,
		"load_key", d.LoadKey, "save_key", exportID)

	raw, err := r.generate(ctx, c, in, d.Rest)
	if err != nil {
		return "", err
	}
	text := tagproto.Strip(raw)
	if err := r.export(ctx, exportID, c, chain, text); err != nil {
		return "", err
	}
	return text, nil
}
