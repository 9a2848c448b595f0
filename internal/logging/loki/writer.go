// Package loki ships the daemon's own zerolog output to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // base URL, e.g. http://loki:3100
	Labels        map[string]string // static labels on every stream
	BatchSize     int               // entries before a flush (default 100)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // HTTP timeout (default 10s)
}

// Writer is a zerolog.LevelWriter that batches log lines into one Loki
// stream per level. Writes never fail; lines are dropped when Loki is
// unreachable.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration
	flushTrigger  chan struct{}
	flushing      atomic.Bool

	flushErrors atomic.Uint64
	shipped     atomic.Uint64
}

type entry struct {
	timestamp time.Time
	level     string
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

var _ zerolog.LevelWriter = (*Writer)(nil)

// NewWriter creates a stopped writer. Call Start to begin flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "plogd"}
	if host, err := os.Hostname(); err == nil {
		labels["host"] = host
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:           cfg.URL,
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write buffers p without a level label.
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel buffers p under the level's stream.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	// zerolog reuses p
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	name := level.String()
	if name == "" {
		name = "none"
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), level: name, line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop ends the flush goroutine and pushes what is left.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	body, err := w.encode(entries)
	if err != nil {
		w.failed(fmt.Errorf("encode: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		w.failed(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		w.failed(err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.failed(fmt.Errorf("server returned status %d", resp.StatusCode))
		return
	}
	w.shipped.Add(uint64(len(entries)))
}

// encode groups entries by level and gzips the push request.
func (w *Writer) encode(entries []entry) ([]byte, error) {
	byLevel := make(map[string]*stream)
	var order []string
	for _, e := range entries {
		s, ok := byLevel[e.level]
		if !ok {
			labels := make(map[string]string, len(w.labels)+1)
			for k, v := range w.labels {
				labels[k] = v
			}
			labels["level"] = e.level
			s = &stream{Stream: labels}
			byLevel[e.level] = s
			order = append(order, e.level)
		}
		s.Values = append(s.Values, []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}

	req := pushRequest{Streams: make([]stream, 0, len(order))}
	for _, level := range order {
		req.Streams = append(req.Streams, *byLevel[level])
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(req); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// failed reports to stderr directly; logging here would loop back into w.
func (w *Writer) failed(err error) {
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: failed to ship logs: %v\n", err)
	}
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// Shipped returns the number of lines Loki accepted.
func (w *Writer) Shipped() uint64 {
	return w.shipped.Load()
}
