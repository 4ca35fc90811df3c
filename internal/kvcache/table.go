package kvcache

import (
	"fmt"
	"sync"
)

// Handle is an index into a Table's page arena. Handing a handle to the
// export path transfers ownership of the page contents to the store; the
// in-process slot is released and the handle must not be used afterward.
type Handle int

// Table is an arena of pages addressed by integer handles. One table is
// shared by all tasks in a process; tasks hold handles, not pages.
type Table struct {
	mu    sync.Mutex
	pages map[Handle]*Page
	next  Handle
}

// NewTable creates an empty page table.
func NewTable() *Table {
	return &Table{
		pages: make(map[Handle]*Page),
	}
}

// Alloc creates a fresh page with the given capacity and returns its handle.
func (t *Table) Alloc(capacity int) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.pages[h] = NewPage(capacity)
	return h
}

// Adopt places an existing page (typically decoded from the store) into
// the arena and returns its handle.
func (t *Table) Adopt(p *Page) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.pages[h] = p
	return h
}

// Get resolves a handle to its page.
func (t *Table) Get(h Handle) (*Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[h]
	if !ok {
		return nil, fmt.Errorf("page handle %d not in table", h)
	}
	return p, nil
}

// Release drops a handle from the arena. Called when page contents have
// been handed to the store, or when a failed task abandons its working
// pages.
func (t *Table) Release(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pages, h)
}

// Resolve maps a handle slice to its pages, in order.
func (t *Table) Resolve(handles []Handle) ([]*Page, error) {
	pages := make([]*Page, len(handles))
	for i, h := range handles {
		p, err := t.Get(h)
		if err != nil {
			return nil, err
		}
		pages[i] = p
	}
	return pages, nil
}

// Size returns the number of live pages in the arena.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages)
}
