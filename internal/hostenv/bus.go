// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package hostenv

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// MemoryBus is an in-process publish/subscribe bus. Delivery is synchronous
// and in subscription order; handlers must not block.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[string]func(any)
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: map[string]map[string]func(any){}}
}

// Publish delivers payload to every subscriber of topic.
func (b *MemoryBus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]func(any), 0, len(b.topics[topic]))
	for _, fn := range b.topics[topic] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(payload)
	}
}

// Subscribe registers fn for topic and returns its unsubscribe func.
// Unsubscribing twice is a no-op.
func (b *MemoryBus) Subscribe(topic string, fn func(payload any)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = map[string]func(any){}
	}
	id := ulid.Make().String()
	b.topics[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}
