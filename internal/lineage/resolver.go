package lineage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/kvflow/internal/kvcache"
)

// Resolution is the reconstructed cache state of a base ancestor.
type Resolution struct {
	Record Record

	// Chain is the effective key chain the pages were imported from. It
	// equals Record.KVChain except on the legacy fallback, where the
	// record carries no chain and Chain holds the single legacy key. A
	// descendant's export extends Chain, not Record.KVChain.
	Chain []string

	// Pages is the concatenation of every page set in the ancestor's
	// chain, in chain order.
	Pages []*kvcache.Page

	// ImportedCount is the number of pages in Pages. Callers must carry
	// it through generation: it marks the boundary between inherited
	// material and the delta this task will export.
	ImportedCount int
}

// Resolver reconstructs ancestor cache state from lineage records.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger.With("component", "lineage")}
}

// Resolve loads the base ancestor's record and imports every page set in
// its chain, in order. A record whose chain is empty predates the chain
// convention; it falls back to the single legacy key "{base_id}_kv",
// logged so upstream workflow bugs are visible rather than silently
// absorbed.
func (r *Resolver) Resolve(ctx context.Context, baseID string) (*Resolution, error) {
	raw, ok, err := r.store.Get(ctx, MetaKey(baseID))
	if err != nil {
		return nil, fmt.Errorf("load record for %q: %w", baseID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no lineage record for %q", ErrMissingAncestor, baseID)
	}
	record, err := DecodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("record for %q: %w", baseID, err)
	}

	chain := record.KVChain
	if len(chain) == 0 {
		chain = []string{KVKey(baseID)}
		r.logger.Warn("record has no kv_chain, falling back to legacy key",
			"base_id", baseID, "legacy_key", chain[0])
	}

	var pages []*kvcache.Page
	for _, key := range chain {
		imported, err := r.importPages(ctx, key)
		if err != nil {
			return nil, err
		}
		pages = append(pages, imported...)
	}

	if err := checkChainState(record, pages); err != nil {
		return nil, err
	}

	r.logger.Debug("resolved ancestor chain",
		"base_id", baseID,
		"chain_len", len(chain),
		"imported_pages", len(pages),
		"token_count", len(record.TokenIDs))

	return &Resolution{
		Record:        record,
		Chain:         chain,
		Pages:         pages,
		ImportedCount: len(pages),
	}, nil
}

func (r *Resolver) importPages(ctx context.Context, key string) ([]*kvcache.Page, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: importing %q: %v", ErrChainGap, key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %q absent from store", ErrChainGap, key)
	}
	pages, err := kvcache.DecodePages(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrChainGap, key, err)
	}
	// Imported pages are immutable; the importing task appends only into
	// pages it allocates itself.
	for _, p := range pages {
		p.Seal()
	}
	return pages, nil
}

// checkChainState verifies that the imported pages actually reproduce
// the recorded token history: total filled slots match the token count
// and the final page's fill matches kv_page_last_len.
func checkChainState(record Record, pages []*kvcache.Page) error {
	total := 0
	for _, p := range pages {
		total += p.Len()
	}
	if total != len(record.TokenIDs) {
		return fmt.Errorf("%w: chain holds %d cached positions for %d tokens",
			ErrChainGap, total, len(record.TokenIDs))
	}
	if n := len(pages); n > 0 {
		if last := pages[n-1].Len(); last != record.KVPageLastLen {
			return fmt.Errorf("%w: final page holds %d slots, record says %d",
				ErrChainGap, last, record.KVPageLastLen)
		}
	}
	return nil
}
