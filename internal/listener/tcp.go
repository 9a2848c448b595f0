package listener

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/pipeline"
	"github.com/rs/zerolog/log"
)

// TCP receives newline-delimited messages. Each line is one message.
type TCP struct {
	cfg  config.TCPListenerConfig
	sink Sink

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	lines   atomic.Int64
	tooLong atomic.Int64
}

// NewTCP creates a TCP listener. Call Start to bind it.
func NewTCP(cfg config.TCPListenerConfig, sink Sink) *TCP {
	return &TCP{cfg: cfg, sink: sink, conns: make(map[net.Conn]struct{})}
}

// Start binds the socket and accepts connections in the background.
func (t *TCP) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", t.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", t.cfg.Addr(), err)
	}
	t.ln = ln
	t.running.Store(true)

	t.wg.Add(1)
	go t.acceptLoop(context.WithoutCancel(ctx))

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (t *TCP) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCP) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if !t.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("TCP accept error")
			continue
		}

		t.mu.Lock()
		if !t.running.Load() {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.serve(ctx, conn)
	}
}

func (t *TCP) serve(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReaderSize(conn, max(16, int(t.cfg.MaxLine.Int64())))
	discarding := false
	for {
		line, err := r.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			// Over max_line: drop everything up to the next newline
			if !discarding {
				t.tooLong.Add(1)
				log.Debug().Str("from", conn.RemoteAddr().String()).Msg("line too long, discarding")
			}
			discarding = true
			continue
		case err != nil:
			if !errors.Is(err, io.EOF) && t.running.Load() {
				log.Debug().Err(err).Str("from", conn.RemoteAddr().String()).Msg("TCP read error")
			}
			// a final unterminated line is dropped
			return
		}

		if discarding {
			discarding = false
			continue
		}
		line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		t.lines.Add(1)
		payload := make([]byte, len(line))
		copy(payload, line)
		t.sink.Handle(ctx, &pipeline.Message{Payload: payload})
	}
}

// Lines returns the number of messages received.
func (t *TCP) Lines() int64 { return t.lines.Load() }

// TooLong returns the number of lines discarded for exceeding max_line.
func (t *TCP) TooLong() int64 { return t.tooLong.Load() }

// Shutdown stops accepting, closes open connections and waits for their
// goroutines, or for ctx to end.
func (t *TCP) Shutdown(ctx context.Context) error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	_ = t.ln.Close()

	t.mu.Lock()
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("addr", t.ln.Addr().String()).Msg("TCP listener stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain tcp connections: %w", ctx.Err())
	}
}
