// Package bus provides the in-process topic bus used for fan-out/fan-in
// exchange between concurrently running tasks.
//
// Each topic is an unbounded FIFO queue of text payloads. Publish never
// blocks. Receive blocks until a payload is available or the context is
// cancelled. When several receivers wait on one topic, each dequeued
// payload is delivered to exactly one of them.
package bus

import (
	"context"
	"strings"
	"sync"
)

// Bus is a set of named topics, created lazily on first use.
// Topics live for the lifetime of the process; they are never destroyed.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	queue  []string
	signal chan struct{} // closed and replaced on every publish
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string]*topic),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{signal: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish enqueues payload onto the named topic and returns immediately.
// FIFO order is kept per topic across all producers; no ordering is
// implied across different topics.
func (b *Bus) Publish(name, payload string) {
	t := b.topicFor(name)

	t.mu.Lock()
	t.queue = append(t.queue, payload)
	// Broadcast wake: every waiter re-checks the queue and exactly one
	// wins each payload.
	close(t.signal)
	t.signal = make(chan struct{})
	t.mu.Unlock()
}

// Receive dequeues the oldest payload from the named topic, blocking
// until one is available or ctx is cancelled.
//
// A receiver waiting on a topic nobody publishes to blocks forever;
// callers are expected to bound the wait with a context deadline.
func (b *Bus) Receive(ctx context.Context, name string) (string, error) {
	t := b.topicFor(name)

	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			payload := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return payload, nil
		}
		sig := t.signal
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-sig:
		}
	}
}

// Len reports the number of queued payloads on the named topic.
func (b *Bus) Len(name string) int {
	t := b.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// SplitTag splits a payload of the form "TAG: body" into its type tag
// and body. Fan-in consumers classify payloads by tag rather than by
// arrival order, since producers may be scheduled in any interleaving.
// A payload without a tag returns an empty tag and the payload unchanged.
func SplitTag(payload string) (tag, body string) {
	idx := strings.Index(payload, ":")
	if idx < 0 {
		return "", payload
	}
	return payload[:idx], strings.TrimPrefix(payload[idx+1:], " ")
}
