package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/basket/kvflow/internal/kvcache"
)

// RefVocabSize is the reference model's vocabulary size. Token 0 is EOS.
const RefVocabSize = 4096

// RefModel is a deterministic in-process stand-in for a transformer
// executor. Its KV entries and logits are pure functions of the
// (token, position) pairs it has seen, which is exactly what the
// lineage machinery needs: two cache states built from the same token
// history are numerically identical, however they were built.
type RefModel struct{}

// NewRefModel creates the reference executor.
func NewRefModel() *RefModel { return &RefModel{} }

// EOSTokens returns the reference EOS set.
func (m *RefModel) EOSTokens() []uint32 { return []uint32{0} }

// refEntry derives the KV entry for a (token, position) pair.
func refEntry(token uint32, position int) kvcache.Entry {
	return kvcache.Entry{
		Key:   []float32{float32(token), float32(position)},
		Value: []float32{float32(token)*3 + float32(position)},
	}
}

// Forward appends entries for each step and computes logits from the
// cached content. Logits depend on every cached slot's key vector, so a
// wrong import (missing pages, shifted positions) shows up as different
// numbers, not just different text.
func (m *RefModel) Forward(_ context.Context, steps []Step, pages []*kvcache.Page, lastLen int) ([]float32, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("forward: empty step batch")
	}

	// Reconcile the caller's fill offset with the pages.
	got := 0
	if n := len(pages); n > 0 {
		got = pages[n-1].Len()
	}
	if got != lastLen {
		return nil, fmt.Errorf("forward: last page holds %d entries, caller says %d", got, lastLen)
	}

	cached := 0
	for _, p := range pages {
		cached += p.Len()
	}

	// Positions must continue the cached span contiguously from zero.
	for i, s := range steps {
		want := cached + i
		if s.Position != want {
			return nil, fmt.Errorf("forward: step %d has position %d, want %d", i, s.Position, want)
		}
	}

	// Append KV entries into the first page with room. Sealed (imported)
	// pages report Full and are skipped, so appends land only in pages
	// the calling task owns.
	if len(pages) == 0 {
		return nil, fmt.Errorf("forward: no pages to fill")
	}
	pi := 0
	for _, s := range steps {
		for pi < len(pages) && pages[pi].Full() {
			pi++
		}
		if pi >= len(pages) {
			return nil, fmt.Errorf("forward: page list exhausted at position %d", s.Position)
		}
		if err := pages[pi].Append(s.Token, refEntry(s.Token, s.Position)); err != nil {
			return nil, err
		}
	}

	// "Attention": fold every cached key vector into a single state.
	var h uint64
	for _, p := range pages {
		for i := 0; i < p.Len(); i++ {
			k := p.Entry(i).Key
			h = h*1099511628211 + uint64(uint32(k[0]))*31 + uint64(uint32(k[1]))*17 + 1
		}
	}

	logits := make([]float32, RefVocabSize)
	for v := range logits {
		x := h ^ (uint64(v+1) * 0x9e3779b97f4a7c15)
		x ^= x >> 29
		logits[v] = float32(x%10000)/10000 - 0.5
	}
	return logits, nil
}

// RefTokenizer is a whitespace tokenizer with a process-local vocabulary.
// Token IDs are stable hashes of the word, folded into the vocab range;
// the reverse mapping is recorded so Detokenize can round-trip text seen
// by Tokenize.
type RefTokenizer struct {
	mu      sync.Mutex
	reverse map[uint32]string
}

// NewRefTokenizer creates an empty-vocabulary tokenizer.
func NewRefTokenizer() *RefTokenizer {
	return &RefTokenizer{reverse: make(map[uint32]string)}
}

// Tokenize splits text on whitespace and hashes each word to a token ID.
func (t *RefTokenizer) Tokenize(text string) []uint32 {
	words := strings.Fields(text)
	tokens := make([]uint32, 0, len(words))
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		// Avoid the EOS slot.
		id := h.Sum32()%(RefVocabSize-1) + 1
		t.reverse[id] = w
		tokens = append(tokens, id)
	}
	return tokens
}

// Detokenize maps token IDs back to words. Unknown IDs render as a
// placeholder so generated-only tokens still produce text.
func (t *RefTokenizer) Detokenize(tokens []uint32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if w, ok := t.reverse[id]; ok {
			words = append(words, w)
		} else {
			words = append(words, fmt.Sprintf("tok%d", id))
		}
	}
	return strings.Join(words, " ")
}

// TopPSampler samples from logits with temperature and nucleus
// truncation. Temperature 0 is greedy argmax regardless of the seed.
type TopPSampler struct {
	Temperature float64
	TopP        float64
	rng         *rand.Rand
}

// NewTopPSampler creates a sampler with the given parameters and seed.
func NewTopPSampler(temperature, topP float64, seed uint64) *TopPSampler {
	return &TopPSampler{
		Temperature: temperature,
		TopP:        topP,
		rng:         rand.New(rand.NewPCG(seed, seed^0xdeadbeef)),
	}
}

// Sample selects a token.
func (s *TopPSampler) Sample(logits []float32) uint32 {
	if s.Temperature <= 0 {
		return argmax(logits)
	}

	// Softmax with temperature.
	maxLogit := float64(math.Inf(-1))
	for _, l := range logits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		p := math.Exp((float64(l) - maxLogit) / s.Temperature)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}

	// Nucleus truncation: keep the smallest set of tokens whose mass
	// reaches TopP, then renormalize.
	topP := s.TopP
	if topP <= 0 || topP > 1 {
		topP = 1
	}
	idx := sortedIndices(probs)
	var mass float64
	cut := len(idx)
	for i, v := range idx {
		mass += probs[v]
		if mass >= topP {
			cut = i + 1
			break
		}
	}
	idx = idx[:cut]

	var kept float64
	for _, v := range idx {
		kept += probs[v]
	}
	r := s.rng.Float64() * kept
	for _, v := range idx {
		r -= probs[v]
		if r <= 0 {
			return uint32(v)
		}
	}
	return uint32(idx[len(idx)-1])
}

func argmax(logits []float32) uint32 {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return uint32(best)
}

func sortedIndices(probs []float64) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	return idx
}
