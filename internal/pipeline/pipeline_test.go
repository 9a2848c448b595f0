package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/plogd/plogd/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler remembers every payload it sees.
type recordingHandler struct {
	name      string
	err       error
	closeErr  error
	propagate bool

	mu       sync.Mutex
	payloads []string
	closed   bool
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, string(msg.Payload))
	return h.err
}

func (h *recordingHandler) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{"seen": len(h.payloads)}
}

func (h *recordingHandler) Close() error {
	h.closed = true
	return h.closeErr
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.payloads...)
}

type terminalHandler struct {
	*recordingHandler
}

func (h terminalHandler) Propagate() bool { return h.propagate }

// dropFilter drops payloads equal to drop.
type dropFilter struct {
	recordingHandler
	drop string
}

func (f *dropFilter) Apply(msg *Message) *Message {
	if string(msg.Payload) == f.drop {
		return nil
	}
	return msg
}

func msg(payload string, tags ...string) *Message {
	return &Message{Payload: []byte(payload), Tags: tags}
}

func TestChain_DeliversInOrder(t *testing.T) {
	s := stats.New("test")
	a := &recordingHandler{name: "a"}
	b := &recordingHandler{name: "b"}
	c := NewChain(s, a, b)

	c.Handle(context.Background(), msg("one"))
	c.Handle(context.Background(), msg("two"))

	assert.Equal(t, []string{"one", "two"}, a.seen())
	assert.Equal(t, []string{"one", "two"}, b.seen())
	snap := s.Snapshot()
	assert.Zero(t, snap.Exceptions)
	assert.Zero(t, snap.UnhandledObjects)
}

func TestChain_FilterDrops(t *testing.T) {
	s := stats.New("test")
	f := &dropFilter{recordingHandler: recordingHandler{name: "filter"}, drop: "secret"}
	sink := &recordingHandler{name: "sink"}
	c := NewChain(s, f, sink)

	c.Handle(context.Background(), msg("secret"))
	c.Handle(context.Background(), msg("public"))

	assert.Equal(t, []string{"public"}, sink.seen())
	assert.Empty(t, f.seen(), "filters are applied, not handled")
	assert.Zero(t, s.Snapshot().UnhandledObjects, "a filtered message is not unhandled")
}

func TestChain_TruncateFeedsLaterHandlers(t *testing.T) {
	s := stats.New("test")
	sink := &recordingHandler{name: "sink"}
	c := NewChain(s, NewTruncate(3), sink)

	c.Handle(context.Background(), msg("abcdef"))
	assert.Equal(t, []string{"abc"}, sink.seen())
}

func TestChain_TerminalStopsPropagation(t *testing.T) {
	s := stats.New("test")
	stop := terminalHandler{&recordingHandler{name: "stop", propagate: false}}
	after := &recordingHandler{name: "after"}
	NewChain(s, stop, after).Handle(context.Background(), msg("x"))

	assert.Equal(t, []string{"x"}, stop.seen())
	assert.Empty(t, after.seen())

	pass := terminalHandler{&recordingHandler{name: "pass", propagate: true}}
	after = &recordingHandler{name: "after"}
	NewChain(s, pass, after).Handle(context.Background(), msg("y"))
	assert.Equal(t, []string{"y"}, after.seen())
}

func TestChain_ErrorsAreCountedAndChainContinues(t *testing.T) {
	s := stats.New("test")
	failing := &recordingHandler{name: "failing", err: errors.New("boom")}
	after := &recordingHandler{name: "after"}
	c := NewChain(s, failing, after)

	c.Handle(context.Background(), msg("x"))

	assert.Equal(t, []string{"x"}, after.seen())
	assert.Equal(t, int64(1), s.Snapshot().Exceptions)
}

func TestChain_Unhandled(t *testing.T) {
	s := stats.New("test")
	NewChain(s).Handle(context.Background(), msg("x"))
	NewChain(s, NewTruncate(10)).Handle(context.Background(), msg("y"))

	assert.Equal(t, int64(2), s.Snapshot().UnhandledObjects)
}

func TestChain_WithReporter(t *testing.T) {
	shared := stats.New("shared")
	perListener := stats.New("listener")
	failing := &recordingHandler{name: "failing", err: errors.New("boom")}

	c := NewChain(shared, failing).WithReporter(perListener)
	c.Handle(context.Background(), msg("x"))

	assert.Equal(t, int64(1), perListener.Snapshot().Exceptions)
	assert.Zero(t, shared.Snapshot().Exceptions)
	assert.Len(t, c.Handlers(), 1)
}

func TestChain_ProvidersAndClose(t *testing.T) {
	a := &recordingHandler{name: "a"}
	b := &recordingHandler{name: "b", closeErr: errors.New("stuck")}
	c := NewChain(stats.New("test"), a, b)

	providers := c.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "a", providers[0].Name())
	assert.Equal(t, "b", providers[1].Name())

	err := c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close b")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	require.NoError(t, c.Handle(context.Background(), msg("hello")))
	require.NoError(t, c.Handle(context.Background(), msg("world", "tag")))

	assert.Equal(t, "hello\nworld\n", buf.String())
	assert.Equal(t, int64(2), c.Stats()["logged"])
	assert.Equal(t, "console", c.Name())
	assert.NoError(t, c.Close())
}

func TestEater(t *testing.T) {
	e := &Eater{}
	for range 3 {
		require.NoError(t, e.Handle(context.Background(), msg("x")))
	}
	assert.Equal(t, int64(3), e.Stats()["seen_messages"])
	assert.Equal(t, "eater", e.Name())
	assert.NoError(t, e.Close())
}

func TestTruncate(t *testing.T) {
	tr := NewTruncate(5)

	short := msg("abc", "t1")
	assert.Same(t, short, tr.Apply(short))

	long := msg("abcdefgh", "t1")
	out := tr.Apply(long)
	require.NotNil(t, out)
	assert.Equal(t, "abcde", string(out.Payload))
	assert.Equal(t, []string{"t1"}, out.Tags)
	assert.Equal(t, "abcdefgh", string(long.Payload), "input is not modified")

	st := tr.Stats()
	assert.Equal(t, 5, st["max_length"])
	assert.Equal(t, int64(1), st["truncated"])
}
