// Package memory contains an in-memory completion notifier for local runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/newsharvest/gdelt-harvester/internal/publisher"
)

// Publisher records completion events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []publisher.CompletionEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishCompletion records the event and returns a pseudo ID.
func (p *Publisher) PublishCompletion(_ context.Context, event publisher.CompletionEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded completion events.
func (p *Publisher) Events() []publisher.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.CompletionEvent, len(p.events))
	copy(out, p.events)
	return out
}
