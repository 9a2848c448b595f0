package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Console writes each payload followed by a newline.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	logged atomic.Int64
}

// NewConsole creates a console handler writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Handle(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.out.Write(msg.Payload); err != nil {
		return err
	}
	if _, err := c.out.Write([]byte{'\n'}); err != nil {
		return err
	}
	c.logged.Add(1)
	return nil
}

func (c *Console) Stats() map[string]any {
	return map[string]any{"logged": c.logged.Load()}
}

func (c *Console) Close() error { return nil }

// Eater counts messages and discards them. It is the sink for load tests.
type Eater struct {
	seen atomic.Int64
}

func (e *Eater) Name() string { return "eater" }

func (e *Eater) Handle(context.Context, *Message) error {
	e.seen.Add(1)
	return nil
}

func (e *Eater) Stats() map[string]any {
	return map[string]any{"seen_messages": e.seen.Load()}
}

func (e *Eater) Close() error { return nil }
