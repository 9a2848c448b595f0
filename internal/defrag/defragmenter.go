// Package defrag reassembles multi-fragment messages.
//
// Partial messages live in a cache bounded by total buffer size and idle
// time. Messages dropped before completion are accounted for fragment by
// fragment.
package defrag

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/plogd/plogd/internal/cache"
	"github.com/plogd/plogd/internal/pipeline"
	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/rs/zerolog/log"
)

// HoleReporter is told about every message ID on first sight.
type HoleReporter interface {
	ReportNewMessage(msgID uint64) int
}

// Config bounds the reassembly state.
type Config struct {
	MaxSize    int64         // summed buffer bytes of all pending messages
	ExpireTime time.Duration // idle time before a pending message is dropped
}

// Defragmenter is safe for concurrent use.
type Defragmenter struct {
	cfg      Config
	reporter stats.Reporter
	detector HoleReporter
	pending  *cache.Cache[uint64, *partialMessage]

	late      atomic.Uint64
	oversized atomic.Uint64
}

// New creates a Defragmenter. detector may be nil.
func New(cfg Config, reporter stats.Reporter, detector HoleReporter) (*Defragmenter, error) {
	return newWithClock(cfg, reporter, detector, nil)
}

func newWithClock(cfg Config, reporter stats.Reporter, detector HoleReporter, now func() time.Time) (*Defragmenter, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("max size must be > 0, got %d", cfg.MaxSize)
	}
	if reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}

	d := &Defragmenter{cfg: cfg, reporter: reporter, detector: detector}
	pending, err := cache.New(cache.Config[uint64, *partialMessage]{
		MaxWeight:         cfg.MaxSize,
		ExpireAfterAccess: cfg.ExpireTime,
		Weigher: func(_ uint64, pm *partialMessage) int64 {
			return int64(len(pm.buf))
		},
		OnRemoval: d.onRemoval,
		Now:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("create message cache: %w", err)
	}
	d.pending = pending
	return d, nil
}

// Ingest feeds one fragment. It returns the complete message once the last
// missing fragment arrives and the checksum matches.
func (d *Defragmenter) Ingest(f *proto.Fragment) (*pipeline.Message, bool) {
	if f.IsAlone() {
		return d.ingestAlone(f)
	}

	if err := checkHeader(f); err != nil {
		d.reject(f, err)
		return nil, false
	}
	if int64(f.TotalLength) > d.cfg.MaxSize {
		d.dropOversized(f)
		return nil, false
	}

	pm, created := d.pending.GetOrCreate(f.MsgID, func() *partialMessage {
		return newPartialMessage(f)
	})
	if created {
		d.reportNew(f.MsgID)
	}

	switch pm.ingest(f) {
	case resultInvalid:
		log.Debug().
			Uint64("msg_id", f.MsgID).
			Int("index", f.Index).
			Int("count", f.Count).
			Int("length", len(f.Payload)).
			Msg("fragment does not match message")
		d.reporter.ReceivedV0InvalidMultipartFragment(f.Index, pm.count)
		return nil, false
	case resultLate:
		d.late.Add(1)
		return nil, false
	case resultPending:
		return nil, false
	}

	d.pending.RemoveIf(f.MsgID, func(v *partialMessage) bool { return v == pm })

	if proto.Checksum(pm.buf) != pm.hash {
		log.Debug().Uint64("msg_id", f.MsgID).Int("count", pm.count).Msg("checksum mismatch")
		d.reporter.ReceivedV0InvalidChecksum(pm.count)
		return nil, false
	}
	d.reporter.ReceivedV0MultipartMessage()
	return &pipeline.Message{Payload: pm.buf, Tags: pm.tags}, true
}

func (d *Defragmenter) ingestAlone(f *proto.Fragment) (*pipeline.Message, bool) {
	d.reportNew(f.MsgID)

	if proto.Checksum(f.Payload) != f.MsgHash {
		log.Debug().Uint64("msg_id", f.MsgID).Msg("checksum mismatch")
		d.reporter.ReceivedV0InvalidChecksum(1)
		return nil, false
	}
	d.reporter.ReceivedV0MultipartMessage()
	return &pipeline.Message{Payload: f.Payload, Tags: f.Tags}, true
}

// reject accounts for a fragment whose header cannot be reassembled. The
// expected count is the pending message's when one exists, and the
// fragment's own otherwise. An ID with nothing pending is still new to the
// hole detector.
func (d *Defragmenter) reject(f *proto.Fragment, err error) {
	log.Debug().Err(err).Uint64("msg_id", f.MsgID).Int("index", f.Index).Msg("rejected fragment")

	expected := f.Count
	if pm, ok := d.pending.Peek(f.MsgID); ok {
		expected = pm.count
	} else {
		d.reportNew(f.MsgID)
	}
	d.reporter.ReceivedV0InvalidMultipartFragment(f.Index, expected)
}

// dropOversized drops a message larger than MaxSize on arrival, accounted
// like a capacity eviction: every index but the received one is missing.
func (d *Defragmenter) dropOversized(f *proto.Fragment) {
	if _, ok := d.pending.Peek(f.MsgID); ok {
		d.reject(f, fmt.Errorf("length %d does not match pending message", f.TotalLength))
		return
	}
	d.reportNew(f.MsgID)
	d.oversized.Add(1)

	log.Debug().
		Uint64("msg_id", f.MsgID).
		Int("length", f.TotalLength).
		Int64("max_size", d.cfg.MaxSize).
		Msg("dropped oversized message")
	for i := 0; i < f.Count; i++ {
		if i != f.Index {
			d.reporter.MissingFragmentInDroppedMessage(i, f.Count)
		}
	}
}

func (d *Defragmenter) reportNew(msgID uint64) {
	if d.detector != nil {
		d.detector.ReportNewMessage(msgID)
	}
}

func (d *Defragmenter) onRemoval(msgID uint64, pm *partialMessage, cause cache.Cause) {
	if pm == nil {
		d.reporter.MissingFragmentInDroppedMessage(0, 0)
		return
	}
	missing := pm.abandon()
	if len(missing) == 0 {
		return
	}
	log.Debug().
		Uint64("msg_id", msgID).
		Str("cause", cause.String()).
		Int("missing", len(missing)).
		Int("count", pm.count).
		Msg("dropped incomplete message")
	for _, i := range missing {
		d.reporter.MissingFragmentInDroppedMessage(i, pm.count)
	}
}

// Pending returns the number of messages awaiting fragments.
func (d *Defragmenter) Pending() int {
	return d.pending.Len()
}

// PendingBytes returns the buffer bytes held by pending messages.
func (d *Defragmenter) PendingBytes() int64 {
	return d.pending.Weight()
}

// Late returns how many fragments arrived for already completed or dropped
// messages.
func (d *Defragmenter) Late() uint64 {
	return d.late.Load()
}

// Oversized returns how many fragments belonged to messages larger than
// MaxSize.
func (d *Defragmenter) Oversized() uint64 {
	return d.oversized.Load()
}

// Stats returns the pending-message cache counters.
func (d *Defragmenter) Stats() cache.Stats {
	return d.pending.Stats()
}

// Run drops idle messages until ctx is done.
func (d *Defragmenter) Run(ctx context.Context) {
	d.pending.Run(ctx, 0)
}

// checkHeader rejects fragments whose header cannot describe any message.
func checkHeader(f *proto.Fragment) error {
	if f.Size == 0 {
		return fmt.Errorf("zero fragment size")
	}
	total := int64(f.TotalLength)
	// Every fragment but the last is full; the last may hold only tags.
	size, count := int64(f.Size), int64(f.Count)
	if total > size*count || total < size*(count-1) {
		return fmt.Errorf("length %d does not fit %d fragments of %d", total, count, size)
	}
	if f.Index >= f.Count {
		return fmt.Errorf("index %d out of %d", f.Index, f.Count)
	}
	return nil
}
