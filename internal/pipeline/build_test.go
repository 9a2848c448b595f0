package pipeline

import (
	"testing"

	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	cfg, err := config.Parse([]byte(`
metrics_listen: "127.0.0.1:0"
handlers:
  - type: truncate
    max_length: 10
  - type: console
    target: stderr
  - type: loki
    url: http://127.0.0.1:1
  - type: kafka
    brokers: ["127.0.0.1:1"]
    default_topic: logs
  - type: tail
  - type: eater
`))
	require.NoError(t, err)

	chain, err := Build(cfg.Handlers, stats.New("test"))
	require.NoError(t, err)

	var names []string
	for _, h := range chain.Handlers() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"truncate", "console", "loki", "kafka", "tail", "eater"}, names)

	tail, ok := chain.Tail()
	require.True(t, ok)
	assert.Zero(t, tail.Subscribers())

	// loki cannot reach its server; nothing is buffered so close is clean
	assert.NoError(t, chain.Close())
}

func TestBuild_NoTail(t *testing.T) {
	chain, err := Build([]config.HandlerConfig{{Type: config.HandlerConsole}}, stats.New("test"))
	require.NoError(t, err)
	_, ok := chain.Tail()
	assert.False(t, ok)
}

func TestBuild_UnknownType(t *testing.T) {
	_, err := Build([]config.HandlerConfig{
		{Type: config.HandlerConsole},
		{Type: "carrier-pigeon"},
	}, stats.New("test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler 1")
}
