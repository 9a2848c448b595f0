// Package pipeline delivers complete messages to an ordered chain of
// handlers: filters that rewrite or drop messages, and sinks that forward
// them somewhere.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/plogd/plogd/internal/stats"
	"github.com/rs/zerolog/log"
)

// Handler is one stage of the chain. Implementations must be safe for
// concurrent use; every listener worker calls Handle.
type Handler interface {
	Name() string
	Handle(ctx context.Context, msg *Message) error
	Stats() map[string]any
	Close() error
}

// Filter is a Handler that decides what the rest of the chain sees. Apply
// returns the message to pass on, or nil to drop it.
type Filter interface {
	Handler
	Apply(msg *Message) *Message
}

// Terminal is a Handler that may consume messages.
type Terminal interface {
	Handler
	// Propagate reports whether handlers after this one still see messages.
	Propagate() bool
}

// Chain runs handlers in order.
type Chain struct {
	handlers []Handler
	reporter stats.Reporter
}

// NewChain creates a chain over handlers.
func NewChain(reporter stats.Reporter, handlers ...Handler) *Chain {
	return &Chain{handlers: handlers, reporter: reporter}
}

// WithReporter returns a chain over the same handlers that counts its
// exceptions and unhandled messages on reporter.
func (c *Chain) WithReporter(reporter stats.Reporter) *Chain {
	return &Chain{handlers: c.handlers, reporter: reporter}
}

// Handle passes msg through the chain. Handler errors are logged and counted
// and do not stop the chain.
func (c *Chain) Handle(ctx context.Context, msg *Message) {
	delivered := false
	for _, h := range c.handlers {
		if f, ok := h.(Filter); ok {
			if msg = f.Apply(msg); msg == nil {
				return
			}
			continue
		}

		delivered = true
		if err := h.Handle(ctx, msg); err != nil {
			log.Warn().Err(err).Str("handler", h.Name()).Msg("handler failed")
			c.reporter.Exception()
		}
		if t, ok := h.(Terminal); ok && !t.Propagate() {
			return
		}
	}
	if !delivered {
		c.reporter.UnhandledObject()
	}
}

// Handlers returns the handlers in chain order.
func (c *Chain) Handlers() []Handler {
	return c.handlers
}

// Providers exposes every handler as a statistics section.
func (c *Chain) Providers() []stats.StatsProvider {
	out := make([]stats.StatsProvider, len(c.handlers))
	for i, h := range c.handlers {
		out[i] = h
	}
	return out
}

// Close closes every handler and joins their errors.
func (c *Chain) Close() error {
	var errs []error
	for _, h := range c.handlers {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}
