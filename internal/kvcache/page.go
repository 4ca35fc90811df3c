// Package kvcache models attention key/value cache pages and the
// in-process page table that owns them.
//
// A page is a fixed-capacity block of per-position KV entries covering a
// contiguous span of token positions. Pages are append-only: a task fills
// fresh pages during generation and never rewrites a slot. Once a page is
// exported to the store it is immutable; descendants that import it only
// ever read it and continue into new pages of their own.
package kvcache

import (
	"encoding/json"
	"fmt"
)

// Entry holds the attention key and value vectors for one token position.
type Entry struct {
	Key   []float32 `json:"k"`
	Value []float32 `json:"v"`
}

// Page is a fixed-capacity block of KV entries.
//
// A sealed page accepts no further appends even when slots remain free.
// The resolver seals every page it imports: a partially filled page
// inherited from an ancestor stays exactly as the ancestor left it, and
// the first token a task generates always lands in a page of its own.
// That keeps each exported delta's token span equal to exactly the
// tokens the exporting task produced.
type Page struct {
	capacity int
	sealed   bool
	tokens   []uint32
	entries  []Entry
}

// NewPage creates an empty page with the given slot capacity.
func NewPage(capacity int) *Page {
	if capacity <= 0 {
		capacity = 1
	}
	return &Page{
		capacity: capacity,
		tokens:   make([]uint32, 0, capacity),
		entries:  make([]Entry, 0, capacity),
	}
}

// Capacity returns the number of slots in the page.
func (p *Page) Capacity() int { return p.capacity }

// Len returns the number of filled slots.
func (p *Page) Len() int { return len(p.entries) }

// Full reports whether the page accepts no more appends, either because
// every slot is occupied or because it has been sealed.
func (p *Page) Full() bool { return p.sealed || len(p.entries) == p.capacity }

// Seal makes the page immutable.
func (p *Page) Seal() { p.sealed = true }

// Sealed reports whether the page has been sealed.
func (p *Page) Sealed() bool { return p.sealed }

// Append fills the next free slot with the token and its KV entry.
func (p *Page) Append(token uint32, e Entry) error {
	if p.sealed {
		return fmt.Errorf("page sealed")
	}
	if p.Full() {
		return fmt.Errorf("page full (capacity %d)", p.capacity)
	}
	p.tokens = append(p.tokens, token)
	p.entries = append(p.entries, e)
	return nil
}

// Token returns the token ID occupying slot i.
func (p *Page) Token(i int) uint32 { return p.tokens[i] }

// Entry returns the KV entry at slot i.
func (p *Page) Entry(i int) Entry { return p.entries[i] }

// Tokens returns a copy of the token IDs occupying the page, in position
// order.
func (p *Page) Tokens() []uint32 {
	out := make([]uint32, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// pageWire is the serialized form of a page.
type pageWire struct {
	Capacity int      `json:"capacity"`
	Tokens   []uint32 `json:"tokens"`
	Entries  []Entry  `json:"entries"`
}

// EncodePages serializes a page list for the store.
func EncodePages(pages []*Page) ([]byte, error) {
	wire := make([]pageWire, len(pages))
	for i, p := range pages {
		wire[i] = pageWire{
			Capacity: p.capacity,
			Tokens:   p.tokens,
			Entries:  p.entries,
		}
	}
	return json.Marshal(wire)
}

// DecodePages deserializes a page list previously written by EncodePages.
func DecodePages(data []byte) ([]*Page, error) {
	var wire []pageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	pages := make([]*Page, len(wire))
	for i, w := range wire {
		if w.Capacity <= 0 {
			return nil, fmt.Errorf("decode pages: page %d has capacity %d", i, w.Capacity)
		}
		if len(w.Tokens) != len(w.Entries) {
			return nil, fmt.Errorf("decode pages: page %d has %d tokens but %d entries",
				i, len(w.Tokens), len(w.Entries))
		}
		if len(w.Entries) > w.Capacity {
			return nil, fmt.Errorf("decode pages: page %d overfilled (%d > %d)",
				i, len(w.Entries), w.Capacity)
		}
		p := NewPage(w.Capacity)
		p.tokens = append(p.tokens, w.Tokens...)
		p.entries = append(p.entries, w.Entries...)
		pages[i] = p
	}
	return pages, nil
}
