package pipeline

import (
	"context"
	"sync/atomic"
)

// Truncate cuts payloads to a maximum length. Tags pass through untouched.
type Truncate struct {
	maxLength int
	truncated atomic.Int64
}

var _ Filter = (*Truncate)(nil)

// NewTruncate creates a truncating filter.
func NewTruncate(maxLength int) *Truncate {
	return &Truncate{maxLength: maxLength}
}

func (t *Truncate) Name() string { return "truncate" }

func (t *Truncate) Apply(msg *Message) *Message {
	if len(msg.Payload) <= t.maxLength {
		return msg
	}
	t.truncated.Add(1)
	return &Message{Payload: msg.Payload[:t.maxLength], Tags: msg.Tags}
}

// Handle is unused in a chain; filters are applied through Apply.
func (t *Truncate) Handle(context.Context, *Message) error { return nil }

func (t *Truncate) Stats() map[string]any {
	return map[string]any{
		"max_length": t.maxLength,
		"truncated":  t.truncated.Load(),
	}
}

func (t *Truncate) Close() error { return nil }
