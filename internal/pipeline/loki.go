package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/plogd/plogd/internal/config"
	"github.com/rs/zerolog/log"
)

const (
	labelTagPrefix = "lk:"
	lokiPushPath   = "/loki/api/v1/push"
)

// Loki pushes messages to Grafana Loki. It buffers entries and flushes them
// periodically or when the batch is full.
type Loki struct {
	url      string
	tenantID string
	labels   map[string]string
	client   *http.Client

	mu        sync.Mutex
	buffer    []lokiEntry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	// Concurrency control
	flushing     atomic.Bool
	flushTrigger chan struct{} // buffered channel to limit goroutine spawning

	pushed      atomic.Int64
	flushErrors atomic.Uint64
}

type lokiEntry struct {
	timestamp time.Time
	line      string
	labels    map[string]string // nil means the static labels
}

// lokiPushRequest is the payload format for Loki's push API.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLoki creates a Loki handler. Call Start to begin flushing.
func NewLoki(cfg config.LokiConfig) *Loki {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval.D()
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	labels := maps.Clone(cfg.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	// Always add job label
	if _, ok := labels["job"]; !ok {
		labels["job"] = "plogd"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Loki{
		url:           strings.TrimSuffix(cfg.URL, "/"),
		tenantID:      cfg.TenantID,
		labels:        labels,
		client:        &http.Client{Timeout: 10 * time.Second},
		buffer:        make([]lokiEntry, 0, batchSize),
		batchSize:     batchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: flushInterval,
		flushTrigger:  make(chan struct{}, 1), // buffered to allow 1 pending flush
	}
}

func (l *Loki) Name() string { return "loki" }

// Handle buffers the message and triggers a flush if the batch is full.
// Push failures are counted, never returned.
func (l *Loki) Handle(_ context.Context, msg *Message) error {
	l.mu.Lock()
	l.buffer = append(l.buffer, lokiEntry{
		timestamp: time.Now(),
		line:      string(msg.Payload),
		labels:    l.streamLabels(msg.Tags),
	})
	shouldFlush := len(l.buffer) >= l.batchSize
	l.mu.Unlock()

	if shouldFlush {
		select {
		case l.flushTrigger <- struct{}{}:
		default:
			// Flush already pending, skip
		}
	}
	return nil
}

// streamLabels returns the static labels extended by any "lk:name=value"
// tags, or nil if there are none.
func (l *Loki) streamLabels(tags []string) map[string]string {
	var labels map[string]string
	for _, tag := range tags {
		kv, ok := strings.CutPrefix(tag, labelTagPrefix)
		if !ok {
			continue
		}
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if labels == nil {
			labels = maps.Clone(l.labels)
		}
		labels[name] = value
	}
	return labels
}

// Start begins the background flush goroutine.
func (l *Loki) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				l.flush()
			case <-l.flushTrigger:
				l.flush()
			}
		}
	}()
}

// Close stops the flush goroutine and flushes any remaining entries.
func (l *Loki) Close() error {
	l.cancel()
	l.wg.Wait()
	l.flush()
	return nil
}

// flush sends buffered entries to Loki, one stream per label set.
func (l *Loki) flush() {
	if !l.flushing.CompareAndSwap(false, true) {
		return // Another flush is in progress
	}
	defer l.flushing.Store(false)

	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	entries := l.buffer
	l.buffer = make([]lokiEntry, 0, l.batchSize)
	l.mu.Unlock()

	body, err := encodePush(l.labels, entries)
	if err != nil {
		l.flushFailed(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url+lokiPushPath, bytes.NewReader(body))
	if err != nil {
		l.flushFailed(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		l.flushFailed(err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		l.flushFailed(fmt.Errorf("server returned status %d", resp.StatusCode))
		return
	}
	l.pushed.Add(int64(len(entries)))
}

func (l *Loki) flushFailed(err error) {
	// Only the first few, a down Loki would flood the log
	if n := l.flushErrors.Add(1); n <= 3 {
		log.Warn().Err(err).Str("url", l.url).Msg("loki push failed")
	}
}

// encodePush builds the gzip-compressed push body.
func encodePush(static map[string]string, entries []lokiEntry) ([]byte, error) {
	streams := make(map[string]*lokiStream)
	var order []string
	for _, e := range entries {
		labels := e.labels
		if labels == nil {
			labels = static
		}
		key := labelKey(labels)
		s, ok := streams[key]
		if !ok {
			s = &lokiStream{Stream: labels}
			streams[key] = s
			order = append(order, key)
		}
		// Loki expects nanosecond timestamps as strings
		s.Values = append(s.Values, []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}

	req := lokiPushRequest{Streams: make([]lokiStream, 0, len(order))}
	for _, key := range order {
		req.Streams = append(req.Streams, *streams[key])
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(req); err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress push request: %w", err)
	}
	return buf.Bytes(), nil
}

func labelKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}

// FlushErrors returns the count of failed pushes.
func (l *Loki) FlushErrors() uint64 {
	return l.flushErrors.Load()
}

func (l *Loki) Stats() map[string]any {
	l.mu.Lock()
	buffered := len(l.buffer)
	l.mu.Unlock()
	return map[string]any{
		"url":          l.url,
		"pushed":       l.pushed.Load(),
		"buffered":     buffered,
		"flush_errors": l.flushErrors.Load(),
	}
}
