package lineage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/kvflow/internal/kvcache"
)

// Exporter publishes the cache delta a task produced and persists its
// lineage record. This is the only place a new chain key is minted.
type Exporter struct {
	store  Store
	logger *slog.Logger
}

// NewExporter creates an Exporter backed by the given store.
func NewExporter(store Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, logger: logger.With("component", "lineage")}
}

// ExportDelta publishes pages[importedCount:] under the task's key,
// appends that key to a copy of the base chain, and persists the task's
// lineage record. When the task allocated no pages of its own, an empty
// export is still published so the chain slot exists and chain length
// stays consistent with task count.
//
// Exports are at-most-once: a second call for the same task ID fails.
func (e *Exporter) ExportDelta(ctx context.Context, taskID string, pages []*kvcache.Page, importedCount int, tokenIDs []uint32, baseChain []string) (Record, error) {
	if importedCount < 0 || importedCount > len(pages) {
		return Record{}, fmt.Errorf("export for %q: imported count %d out of range (%d pages)",
			taskID, importedCount, len(pages))
	}

	if _, ok, err := e.store.Get(ctx, MetaKey(taskID)); err != nil {
		return Record{}, fmt.Errorf("export for %q: %w", taskID, err)
	} else if ok {
		return Record{}, fmt.Errorf("%w: task %q already has a lineage record", ErrDuplicateExport, taskID)
	}

	key := KVKey(taskID)
	chain := make([]string, 0, len(baseChain)+1)
	chain = append(chain, baseChain...)
	for _, existing := range chain {
		if existing == key {
			return Record{}, fmt.Errorf("%w: key %q already present in chain", ErrDuplicateExport, key)
		}
	}
	chain = append(chain, key)

	delta := pages[importedCount:]
	blob, err := kvcache.EncodePages(delta)
	if err != nil {
		return Record{}, fmt.Errorf("export for %q: %w", taskID, err)
	}
	if err := e.store.Set(ctx, key, blob); err != nil {
		return Record{}, fmt.Errorf("export for %q: %w", taskID, err)
	}

	lastLen := 0
	if n := len(pages); n > 0 {
		lastLen = pages[n-1].Len()
	}
	record := Record{
		TokenIDs:      tokenIDs,
		KVPageLastLen: lastLen,
		KVChain:       chain,
	}
	raw, err := record.Encode()
	if err != nil {
		return Record{}, fmt.Errorf("export for %q: %w", taskID, err)
	}
	if err := e.store.Set(ctx, MetaKey(taskID), raw); err != nil {
		return Record{}, fmt.Errorf("export for %q: %w", taskID, err)
	}

	e.logger.Debug("exported cache delta",
		"task_id", taskID,
		"delta_pages", len(delta),
		"chain_len", len(chain),
		"token_count", len(tokenIDs))

	return record, nil
}

// SaveOutput persists a task's generated text under its output key.
func (e *Exporter) SaveOutput(ctx context.Context, taskID, text string) error {
	return e.store.Set(ctx, OutputKey(taskID), []byte(text))
}

// LoadOutput reads a task's generated text. Absence is ErrMissingAncestor:
// outputs are read only by descendants referencing the task.
func LoadOutput(ctx context.Context, s Store, taskID string) (string, error) {
	raw, ok, err := s.Get(ctx, OutputKey(taskID))
	if err != nil {
		return "", fmt.Errorf("load output for %q: %w", taskID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: no output for %q", ErrMissingAncestor, taskID)
	}
	return string(raw), nil
}
