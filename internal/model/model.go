// Package model declares the collaborator contracts the cache runtime
// depends on: the transformer forward executor, the tokenizer, and the
// sampler. The runtime only ever talks to these interfaces; the bundled
// reference implementation (refmodel.go) makes the repo runnable and
// gives tests a numerically deterministic executor.
package model

import (
	"context"

	"github.com/basket/kvflow/internal/kvcache"
)

// Step is one (token, position) pair fed to a forward pass. Positions
// are zero-based absolute token offsets, contiguous with no gaps.
type Step struct {
	Token    uint32
	Position int
}

// Forward executes transformer forward passes against cache pages.
type Forward interface {
	// Forward appends one KV entry per step into the page list (filling
	// the trailing partial page first, then subsequent pages in order)
	// and returns the next-token logits at the final step's position.
	//
	// lastLen is the caller's view of how many slots of the final page
	// were valid before this call; the executor fails if it disagrees
	// with the pages themselves, since a mismatch means the cache state
	// being extended is not the one the caller believes it holds.
	Forward(ctx context.Context, steps []Step, pages []*kvcache.Page, lastLen int) ([]float32, error)

	// EOSTokens returns the token IDs that terminate generation.
	EOSTokens() []uint32
}

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Tokenize(text string) []uint32
	Detokenize(tokens []uint32) string
}

// Sampler selects a token from logits.
type Sampler interface {
	Sample(logits []float32) uint32
}

// StopCondition reports whether generation should stop, given the tokens
// generated so far in this task.
type StopCondition func(generated []uint32) bool

// MaxLen stops after n generated tokens.
func MaxLen(n int) StopCondition {
	return func(generated []uint32) bool {
		return len(generated) >= n
	}
}

// EndsWithAny stops when the last generated token is in the set.
func EndsWithAny(tokens []uint32) StopCondition {
	set := make(map[uint32]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return func(generated []uint32) bool {
		if len(generated) == 0 {
			return false
		}
		_, ok := set[generated[len(generated)-1]]
		return ok
	}
}

// Any combines stop conditions; generation stops when any one fires.
func Any(conds ...StopCondition) StopCondition {
	return func(generated []uint32) bool {
		for _, c := range conds {
			if c(generated) {
				return true
			}
		}
		return false
	}
}
