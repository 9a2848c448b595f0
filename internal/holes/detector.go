// Package holes estimates UDP packet loss from gaps in the message IDs each
// sender port uses.
package holes

import (
	"context"
	"fmt"
	"time"

	"github.com/plogd/plogd/internal/cache"
	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/rs/zerolog/log"
)

// Config bounds the detector state.
type Config struct {
	IDsPerPort int           // window capacity per port
	MaxPorts   int           // ports tracked at once
	MaxHole    int           // larger gaps are treated as noise
	ExpireTime time.Duration // idle time before a port is forgotten
}

// Detector tracks a window of recent message IDs per source port.
type Detector struct {
	cfg      Config
	reporter stats.Reporter
	ports    *cache.Cache[int, *portWindow]
}

// New creates a Detector. Holes are reported to reporter as they are found.
func New(cfg Config, reporter stats.Reporter) (*Detector, error) {
	if cfg.MaxHole < 1 {
		return nil, fmt.Errorf("maximum hole too small: %d", cfg.MaxHole)
	}
	if cfg.IDsPerPort < 1 {
		return nil, fmt.Errorf("insufficient capacity: %d", cfg.IDsPerPort)
	}
	if cfg.MaxPorts < 1 {
		return nil, fmt.Errorf("ports must be >= 1, got %d", cfg.MaxPorts)
	}

	d := &Detector{cfg: cfg, reporter: reporter}
	ports, err := cache.New(cache.Config[int, *portWindow]{
		MaxEntries:        cfg.MaxPorts,
		ExpireAfterAccess: cfg.ExpireTime,
		OnRemoval:         d.onPortRemoved,
	})
	if err != nil {
		return nil, fmt.Errorf("create port cache: %w", err)
	}
	d.ports = ports
	return d, nil
}

// ReportNewMessage records a newly seen message ID and returns how many
// messages from the same port are now known to be missing.
func (d *Detector) ReportNewMessage(msgID uint64) int {
	port, id := proto.SplitMessageID(msgID)
	w, _ := d.ports.GetOrCreate(port, func() *portWindow {
		return newPortWindow(d.cfg.IDsPerPort)
	})

	holes := w.ensurePresent(id, d.cfg.MaxHole)
	if holes > 0 {
		d.reporter.FoundHolesFromNewMessage(holes)
	}
	return holes
}

// Ports returns the number of ports currently tracked.
func (d *Detector) Ports() int {
	return d.ports.Len()
}

// Run expires idle ports until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	d.ports.Run(ctx, 0)
}

func (d *Detector) onPortRemoved(port int, w *portWindow, cause cache.Cause) {
	if w == nil {
		return
	}
	holes := w.countTotalHoles(d.cfg.MaxHole)
	if holes > 0 {
		log.Debug().Int("port", port).Int("holes", holes).Str("cause", cause.String()).Msg("holes found in dropped port")
		d.reporter.FoundHolesFromDeadPort(holes)
	}
}
