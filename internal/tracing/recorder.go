// Package tracing keeps a rolling runtime execution trace using Go's
// FlightRecorder, so a slow or stuck daemon can be inspected after the fact.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxBytes is the default size of the trace ring buffer (16MB).
const DefaultMaxBytes = 16 * 1024 * 1024

// DefaultMinAge is the default amount of trace history kept.
const DefaultMinAge = 10 * time.Second

// ErrNotEnabled is returned when a snapshot is requested from a recorder that
// is not running.
var ErrNotEnabled = errors.New("tracing not enabled")

// Config sizes the ring buffer.
type Config struct {
	MinAge   time.Duration
	MaxBytes int64
}

// Recorder wraps a FlightRecorder. Only one may run per process.
type Recorder struct {
	cfg Config

	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// New creates a stopped Recorder. Zero config fields take the defaults.
func New(cfg Config) *Recorder {
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Recorder{cfg: cfg}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   r.cfg.MinAge,
		MaxBytes: uint64(r.cfg.MaxBytes),
	})
	if err := fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	r.recorder = fr
	log.Info().
		Dur("min_age", r.cfg.MinAge).
		Int64("max_bytes", r.cfg.MaxBytes).
		Msg("flight recorder started")
	return nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder == nil {
		return ErrNotEnabled
	}
	_, err := r.recorder.WriteTo(w)
	return err
}

// Stop stops recording. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}

// ServeHTTP streams a snapshot as a download.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !r.Enabled() {
		http.Error(w, ErrNotEnabled.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="plogd.trace"`)
	if err := r.Snapshot(w); err != nil {
		log.Warn().Err(err).Msg("trace snapshot failed")
	}
}
