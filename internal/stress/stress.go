// Package stress generates load against a plogd UDP listener.
//
// Each worker sends messages of random size over a socket it replaces every
// RenewRate messages, so the daemon sees source ports come and go. Loss
// drops fragments before they are sent.
package stress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plogd/plogd/pkg/client"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config describes one load run.
type Config struct {
	Addr           string
	Threads        int
	Rate           float64 // messages per second across all threads, 0 for no limit
	RenewRate      int     // messages sent from one socket before it is replaced
	MinSize        int
	MaxSize        int
	SizeIncrements int
	SizeExponent   float64 // above 1 favours small messages
	StopAfter      int     // messages per thread
	ChunkSize      int
	SendBuffer     int
	Loss           float64
	Seed           uint64
	ReportInterval time.Duration // 0 disables progress logging
}

// Validate checks c before a run.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr is required")
	case c.Threads < 1:
		return errors.New("threads must be >= 1")
	case c.Rate < 0:
		return errors.New("rate must not be negative")
	case c.RenewRate < 1:
		return errors.New("renew rate must be >= 1")
	case c.MinSize < 0 || c.MaxSize < c.MinSize:
		return fmt.Errorf("invalid size range [%d, %d]", c.MinSize, c.MaxSize)
	case c.SizeIncrements < 1:
		return errors.New("size increments must be >= 1")
	case c.sizes() == 0:
		return errors.New("no sizes, decrease the size increments")
	case c.SizeExponent <= 0:
		return errors.New("size exponent must be positive")
	case c.StopAfter < 1:
		return errors.New("stop after must be >= 1")
	case c.Loss < 0 || c.Loss > 1:
		return fmt.Errorf("loss must be within [0, 1], got %v", c.Loss)
	}
	return nil
}

func (c *Config) sizes() int {
	if c.SizeIncrements < 1 {
		return 0
	}
	return (c.MaxSize - c.MinSize) / c.SizeIncrements
}

// Report counts what a run did.
type Report struct {
	Sockets      uint64        `json:"sockets"`
	Messages     uint64        `json:"messages"`
	Bytes        uint64        `json:"bytes"`
	Packets      uint64        `json:"packets"`
	Dropped      uint64        `json:"dropped"`
	SendFailures uint64        `json:"send_failures"`
	Elapsed      time.Duration `json:"elapsed"`
}

type counters struct {
	sockets      atomic.Uint64
	messages     atomic.Uint64
	bytes        atomic.Uint64
	packets      atomic.Uint64
	dropped      atomic.Uint64
	sendFailures atomic.Uint64
}

func (c *counters) report(elapsed time.Duration) Report {
	return Report{
		Sockets:      c.sockets.Load(),
		Messages:     c.messages.Load(),
		Bytes:        c.bytes.Load(),
		Packets:      c.packets.Load(),
		Dropped:      c.dropped.Load(),
		SendFailures: c.sendFailures.Load(),
		Elapsed:      elapsed,
	}
}

// Run sends Threads*StopAfter messages, or fewer if ctx ends first. Send
// failures are counted, not returned.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, cfg.Threads)

	// Messages are prefixes of one random buffer.
	seedRnd := rand.New(rand.NewPCG(cfg.Seed, 0))
	payload := make([]byte, cfg.MaxSize)
	for i := range payload {
		payload[i] = byte(seedRnd.UintN(256))
	}

	var c counters
	start := time.Now()

	if cfg.ReportInterval > 0 {
		progressCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go logProgress(progressCtx, &c, start, cfg.ReportInterval)
	}

	log.Info().
		Str("addr", cfg.Addr).
		Int("threads", cfg.Threads).
		Float64("rate", cfg.Rate).
		Float64("loss", cfg.Loss).
		Int("sizes", cfg.sizes()).
		Msg("starting stress run")

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for i := range cfg.Threads {
		w := &worker{
			cfg:      &cfg,
			limiter:  limiter,
			payload:  payload,
			counters: &c,
			rnd:      rand.New(rand.NewPCG(cfg.Seed, uint64(i)+1)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(ctx); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("worker %d: %w", i, err)
				}
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	rep := c.report(time.Since(start))
	if firstErr != nil {
		return rep, firstErr
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

type worker struct {
	cfg      *Config
	limiter  *rate.Limiter
	payload  []byte
	counters *counters
	rnd      *rand.Rand

	conn        *client.Client
	lastSent    uint64
	lastDropped uint64
}

func (w *worker) run(ctx context.Context) error {
	defer w.closeConn()

	for sent := 0; sent < w.cfg.StopAfter; sent++ {
		if sent%w.cfg.RenewRate == 0 {
			if err := w.renew(); err != nil {
				return err
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			// the next slot is past the deadline
			<-ctx.Done()
			return nil
		}

		size := w.cfg.MinSize + w.cfg.SizeIncrements*w.sizeIndex()
		if err := w.conn.Send(ctx, w.payload[:size]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.counters.sendFailures.Add(1)
			log.Debug().Err(err).Msg("stress send failed")
		}
		w.account()
		w.counters.messages.Add(1)
		w.counters.bytes.Add(uint64(size))
	}
	return nil
}

// sizeIndex picks one of the configured sizes, skewed by SizeExponent.
func (w *worker) sizeIndex() int {
	n := w.cfg.sizes()
	return min(int(math.Pow(w.rnd.Float64(), w.cfg.SizeExponent)*float64(n)), n-1)
}

func (w *worker) renew() error {
	w.closeConn()

	opts := []client.Option{client.WithLoss(w.cfg.Loss, w.rnd.Uint64())}
	if w.cfg.ChunkSize > 0 {
		opts = append(opts, client.WithChunkSize(w.cfg.ChunkSize))
	}
	if w.cfg.SendBuffer > 0 {
		opts = append(opts, client.WithSendBuffer(w.cfg.SendBuffer))
	}
	conn, err := client.Dial(w.cfg.Addr, opts...)
	if err != nil {
		return err
	}
	w.conn = conn
	w.lastSent, w.lastDropped = 0, 0
	w.counters.sockets.Add(1)
	return nil
}

// account moves the socket's fragment counts into the run totals.
func (w *worker) account() {
	sent, dropped := w.conn.Sent(), w.conn.Dropped()
	w.counters.packets.Add(sent - w.lastSent)
	w.counters.dropped.Add(dropped - w.lastDropped)
	w.lastSent, w.lastDropped = sent, dropped
}

func (w *worker) closeConn() {
	if w.conn == nil {
		return
	}
	_ = w.conn.Close()
	w.conn = nil
}

func logProgress(ctx context.Context, c *counters, start time.Time, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := c.report(time.Since(start))
			log.Info().
				Uint64("sockets", r.Sockets).
				Uint64("messages", r.Messages).
				Uint64("packets", r.Packets).
				Uint64("dropped", r.Dropped).
				Uint64("send_failures", r.SendFailures).
				Float64("msgs_per_sec", float64(r.Messages)/r.Elapsed.Seconds()).
				Msg("stress progress")
		}
	}
}
