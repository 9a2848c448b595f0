package pipeline

import (
	"fmt"
	"io"
	"os"

	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/stats"
)

// Build creates the handler chain described by cfg, in order. reporter
// receives events raised outside any single listener, such as failed Kafka
// deliveries.
func Build(cfg []config.HandlerConfig, reporter stats.Reporter) (*Chain, error) {
	handlers := make([]Handler, 0, len(cfg))
	closeBuilt := func() {
		_ = NewChain(reporter, handlers...).Close()
	}

	for i, hc := range cfg {
		h, err := buildHandler(hc, reporter)
		if err != nil {
			closeBuilt()
			return nil, fmt.Errorf("handler %d (%s): %w", i, hc.Type, err)
		}
		handlers = append(handlers, h)
	}
	return NewChain(reporter, handlers...), nil
}

func buildHandler(hc config.HandlerConfig, reporter stats.Reporter) (Handler, error) {
	switch hc.Type {
	case config.HandlerConsole:
		var out io.Writer = os.Stdout
		if hc.Target == "stderr" {
			out = os.Stderr
		}
		return NewConsole(out), nil
	case config.HandlerTruncate:
		return NewTruncate(hc.MaxLength), nil
	case config.HandlerKafka:
		return NewKafka(hc.KafkaConfig, reporter)
	case config.HandlerLoki:
		l := NewLoki(hc.LokiConfig)
		l.Start()
		return l, nil
	case config.HandlerTail:
		return NewTail(hc.BufferSize), nil
	case config.HandlerEater:
		return &Eater{}, nil
	default:
		return nil, fmt.Errorf("unknown handler type %q", hc.Type)
	}
}

// Tail returns the chain's tail handler, if any.
func (c *Chain) Tail() (*Tail, bool) {
	for _, h := range c.handlers {
		if t, ok := h.(*Tail); ok {
			return t, true
		}
	}
	return nil, false
}
