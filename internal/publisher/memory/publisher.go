// Package memory records published run notifications in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultCapacity bounds the retained messages when New is given no limit.
const DefaultCapacity = 256

// Publisher keeps the most recent published payloads for inspection. Older
// messages are discarded once capacity is reached.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	messages []Message
}

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// New returns an empty Publisher retaining at most capacity messages.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the retained publishes, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}
