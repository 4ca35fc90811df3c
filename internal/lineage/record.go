// Package lineage implements the cache lineage protocol: the per-task
// record of token history and cache-page ancestry, the resolver that
// reconstructs an ancestor's cache from its chain, and the exporter that
// publishes the delta a task produced.
package lineage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is the durable key/value contract the lineage layer consumes.
// Implemented by store.SQLite and store.Memory.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Record is a task's persisted lineage metadata, written exactly once at
// task completion and read by descendants.
type Record struct {
	// TokenIDs is the full ordered token history along this task's line
	// of descent, self-inclusive.
	TokenIDs []uint32 `json:"token_ids"`

	// KVPageLastLen is the number of valid slots in the final page of
	// the chain.
	KVPageLastLen int `json:"kv_page_last_len"`

	// KVChain is the ordered list of page-set keys, root first.
	// Concatenating the referenced page sets reconstructs the complete
	// cache for TokenIDs. Append-only across generations.
	KVChain []string `json:"kv_chain"`
}

// MetaKey returns the store key for a task's lineage record.
func MetaKey(taskID string) string { return taskID + "_meta" }

// OutputKey returns the store key for a task's generated text.
func OutputKey(taskID string) string { return taskID + "_output" }

// KVKey returns the store key for a task's exported page set.
func KVKey(taskID string) string { return taskID + "_kv" }

// Encode serializes the record for the store.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a stored lineage record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode lineage record: %w", err)
	}
	return r, nil
}
