// Package memory records published notifications in-memory for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher keeps every notification it is handed, in publish order.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	closed   bool
}

// PublishedMessage captures one publish call and the ID it was assigned.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the notification and returns its sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("publisher is closed")
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the notifications published to topic.
func (p *Publisher) Topic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Close rejects further publishes. Recorded messages stay readable.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
