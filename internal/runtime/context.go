// Package runtime executes generation tasks against the cache lineage
// machinery: it rebuilds inherited cache state, drives the forward
// executor token by token, and hands the resulting delta to the
// exporter.
package runtime

import (
	"context"
	"fmt"

	"github.com/basket/kvflow/internal/kvcache"
	"github.com/basket/kvflow/internal/lineage"
	"github.com/basket/kvflow/internal/model"
)

// Context is the working state of one generation task: its token
// history, its page handles, and the logits of the most recent forward
// pass. It is not safe for concurrent use.
type Context struct {
	fwd      model.Forward
	table    *kvcache.Table
	pageSize int

	handles  []kvcache.Handle
	tokens   []uint32
	imported int
	logits   []float32
	released bool
}

// NewContext creates an empty root context.
func NewContext(fwd model.Forward, table *kvcache.Table, pageSize int) *Context {
	return &Context{
		fwd:      fwd,
		table:    table,
		pageSize: pageSize,
	}
}

// NewImportedContext creates a context seeded with an ancestor's
// resolved cache state. The resolution's pages are adopted into the
// table; the imported-count boundary is carried for the later export.
func NewImportedContext(fwd model.Forward, table *kvcache.Table, pageSize int, res *lineage.Resolution) *Context {
	c := NewContext(fwd, table, pageSize)
	for _, p := range res.Pages {
		c.handles = append(c.handles, table.Adopt(p))
	}
	c.tokens = append(c.tokens, res.Record.TokenIDs...)
	c.imported = res.ImportedCount
	return c
}

// TokenIDs returns the full token history, inherited plus own.
func (c *Context) TokenIDs() []uint32 {
	out := make([]uint32, len(c.tokens))
	copy(out, c.tokens)
	return out
}

// ImportedCount returns the number of inherited pages; pages past this
// boundary are the task's own delta.
func (c *Context) ImportedCount() int { return c.imported }

// Logits returns the next-token logits of the most recent forward pass,
// or nil before any fill.
func (c *Context) Logits() []float32 { return c.logits }

// Pages resolves the context's handles to its page list, in order.
func (c *Context) Pages() ([]*kvcache.Page, error) {
	return c.table.Resolve(c.handles)
}

// ensureRoom allocates pages until n more slots are writable. Only the
// task's own trailing page can have free slots; sealed imported pages
// report full.
func (c *Context) ensureRoom(n int) error {
	free := 0
	if len(c.handles) > 0 {
		p, err := c.table.Get(c.handles[len(c.handles)-1])
		if err != nil {
			return err
		}
		if !p.Full() {
			free = p.Capacity() - p.Len()
		}
	}
	for free < n {
		c.handles = append(c.handles, c.table.Alloc(c.pageSize))
		free += c.pageSize
	}
	return nil
}

// Fill runs one forward pass over toks, appending their KV entries to
// the cache at the next contiguous absolute positions. Used both for
// prompt prefill and for replaying a reconstructed history from
// position zero on the recompute path.
func (c *Context) Fill(ctx context.Context, toks []uint32) error {
	if c.released {
		return fmt.Errorf("context already released")
	}
	if len(toks) == 0 {
		return nil
	}
	if err := c.ensureRoom(len(toks)); err != nil {
		return err
	}
	pages, err := c.Pages()
	if err != nil {
		return err
	}
	steps := make([]model.Step, len(toks))
	for i, tok := range toks {
		steps[i] = model.Step{Token: tok, Position: len(c.tokens) + i}
	}
	logits, err := c.fwd.Forward(ctx, steps, pages, pages[len(pages)-1].Len())
	if err != nil {
		return err
	}
	c.tokens = append(c.tokens, toks...)
	c.logits = logits
	return nil
}

// Generate samples tokens autoregressively, one forward step per token,
// until the stop condition fires. It returns the generated tokens. The
// prompt must have been filled first so there are logits to sample from.
func (c *Context) Generate(ctx context.Context, sampler model.Sampler, stop model.StopCondition) ([]uint32, error) {
	if c.released {
		return nil, fmt.Errorf("context already released")
	}
	if c.logits == nil {
		return nil, fmt.Errorf("generate before fill")
	}

	var generated []uint32
	for {
		if err := ctx.Err(); err != nil {
			return generated, err
		}
		tok := sampler.Sample(c.logits)
		generated = append(generated, tok)

		if err := c.ensureRoom(1); err != nil {
			return generated, err
		}
		pages, err := c.Pages()
		if err != nil {
			return generated, err
		}
		step := model.Step{Token: tok, Position: len(c.tokens)}
		logits, err := c.fwd.Forward(ctx, []model.Step{step}, pages, pages[len(pages)-1].Len())
		if err != nil {
			return generated, err
		}
		c.tokens = append(c.tokens, tok)
		c.logits = logits

		if stop(generated) {
			return generated, nil
		}
	}
}

// Release drops the context's page handles from the arena. On the
// success path the page contents have already been handed to the store
// by the export; on failure the working pages are simply abandoned.
// The context must not be used afterward.
func (c *Context) Release() {
	if c.released {
		return
	}
	for _, h := range c.handles {
		c.table.Release(h)
	}
	c.handles = nil
	c.released = true
}
