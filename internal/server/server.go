// Package server wires listeners, reassembly, loss estimation, handlers and
// the HTTP surface into one daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/plogd/plogd/internal/admin"
	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/defrag"
	"github.com/plogd/plogd/internal/holes"
	"github.com/plogd/plogd/internal/listener"
	"github.com/plogd/plogd/internal/metrics"
	"github.com/plogd/plogd/internal/pipeline"
	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/internal/tracing"
	"github.com/rs/zerolog/log"
)

// CollectInterval is how often sampled gauges are refreshed.
const CollectInterval = 10 * time.Second

// sharedLabel is the metrics label for events not tied to a listener.
const sharedLabel = "shared"

// Options are the parts of a Server not read from the config file.
type Options struct {
	Version string
	Exit    func(code int) // KILL; defaults to os.Exit
}

// Server owns every running component.
type Server struct {
	cfg  *config.Config
	opts Options

	shared   *stats.Statistics
	chain    *pipeline.Chain
	udp      []*udpListener
	tcp      []*tcpListener
	recorder *tracing.Recorder
	admin    *admin.AdminServer

	cancel   context.CancelFunc
	bg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

type udpListener struct {
	listener  *listener.UDP
	stats     *stats.Statistics
	defrag    *defrag.Defragmenter
	detector  *holes.Detector // nil when hole detection is off
	collector *metrics.Collector
}

type tcpListener struct {
	listener *listener.TCP
	stats    *stats.Statistics
}

// New builds a server from cfg. Nothing is bound until Start.
func New(cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{cfg: cfg, opts: opts, shared: stats.New(opts.Version)}

	sharedReporter := stats.Multi{s.shared, metrics.InitMetrics(sharedLabel, opts.Version)}
	chain, err := pipeline.Build(cfg.Handlers, sharedReporter)
	if err != nil {
		return nil, fmt.Errorf("build handlers: %w", err)
	}
	s.chain = chain
	for _, p := range chain.Providers() {
		s.shared.AppendProvider(p)
	}

	for i := range cfg.UDP.Listeners {
		u, err := s.newUDP(cfg.UDP.Listeners[i])
		if err != nil {
			_ = chain.Close()
			return nil, fmt.Errorf("udp listener %s: %w", cfg.UDP.Listeners[i].Addr(), err)
		}
		s.udp = append(s.udp, u)
	}
	for _, lc := range cfg.TCP.Listeners {
		s.tcp = append(s.tcp, s.newTCP(lc))
	}

	if cfg.Tracing.Enabled {
		s.recorder = tracing.New(tracing.Config{
			MinAge:   cfg.Tracing.MinAge.D(),
			MaxBytes: cfg.Tracing.MaxBytes.Int64(),
		})
	}
	if cfg.MetricsListen != "" {
		adminOpts := admin.Options{Stats: s.StatsJSON}
		if tail, ok := chain.Tail(); ok {
			adminOpts.Tail = tail
		}
		if s.recorder != nil {
			adminOpts.Trace = s.recorder
		}
		s.admin = admin.NewAdminServer(adminOpts)
	}
	return s, nil
}

func (s *Server) newUDP(lc config.UDPListenerConfig) (*udpListener, error) {
	st := stats.New(s.opts.Version)
	m := metrics.InitMetrics(lc.Addr(), s.opts.Version)
	reporter := stats.Multi{st, m}
	u := &udpListener{stats: st}

	// typed nils must not reach the interfaces below
	var holeReporter defrag.HoleReporter
	var ports metrics.PortTracker
	if h := lc.DetectHoles; h.Enabled {
		d, err := holes.New(holes.Config{
			IDsPerPort: h.IDsPerPort,
			MaxPorts:   h.Ports,
			MaxHole:    h.MaximumHole,
			ExpireTime: h.ExpireTime.D(),
		}, reporter)
		if err != nil {
			return nil, fmt.Errorf("hole detector: %w", err)
		}
		u.detector = d
		holeReporter = d
		ports = d
	}

	d, err := defrag.New(defrag.Config{
		MaxSize:    lc.Defrag.MaxSize.Int64(),
		ExpireTime: lc.Defrag.ExpireTime.D(),
	}, reporter, holeReporter)
	if err != nil {
		return nil, fmt.Errorf("defragmenter: %w", err)
	}
	u.defrag = d
	if err := st.WithCache(d.Stats); err != nil {
		return nil, err
	}
	u.collector = metrics.NewCollector(m, metrics.CollectorConfig{Defrag: d, Holes: ports})

	u.listener = listener.NewUDP(listener.UDPOptions{
		Config:   lc,
		Reporter: reporter,
		Defrag:   d,
		Sink:     s.chain.WithReporter(reporter),
		Commands: listener.NewCommandHandler(listener.CommandConfig{
			Reporter:  reporter,
			Stats:     st.JSON,
			Env:       s.cfg.YAML,
			AllowKill: lc.AllowKill,
			Exit:      s.opts.Exit,
		}),
	})

	st.AppendProvider(udpProvider{u.listener})
	for _, p := range s.chain.Providers() {
		st.AppendProvider(p)
	}
	return u, nil
}

func (s *Server) newTCP(lc config.TCPListenerConfig) *tcpListener {
	st := stats.New(s.opts.Version)
	reporter := stats.Multi{st, metrics.InitMetrics(lc.Addr(), s.opts.Version)}
	t := &tcpListener{
		listener: listener.NewTCP(lc, s.chain.WithReporter(reporter)),
		stats:    st,
	}
	st.AppendProvider(tcpProvider{t.listener})
	for _, p := range s.chain.Providers() {
		st.AppendProvider(p)
	}
	return t
}

// Start binds every listener and the HTTP server. On error, whatever was
// already started is shut down again.
func (s *Server) Start(ctx context.Context) error {
	var bgCtx context.Context
	bgCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if s.recorder != nil {
		if err := s.recorder.Start(); err != nil {
			return err
		}
	}

	for _, u := range s.udp {
		if err := u.listener.Start(ctx); err != nil {
			_ = s.Shutdown(context.Background())
			return err
		}
		s.goBackground(func() { u.defrag.Run(bgCtx) })
		if u.detector != nil {
			s.goBackground(func() { u.detector.Run(bgCtx) })
		}
		s.goBackground(func() { u.collector.Run(bgCtx, CollectInterval) })
	}
	for _, t := range s.tcp {
		if err := t.listener.Start(ctx); err != nil {
			_ = s.Shutdown(context.Background())
			return err
		}
	}

	if s.admin != nil {
		if err := s.admin.Start(s.cfg.MetricsListen); err != nil {
			_ = s.Shutdown(context.Background())
			return err
		}
	}

	log.Info().
		Int("udp", len(s.udp)).
		Int("tcp", len(s.tcp)).
		Int("handlers", len(s.chain.Handlers())).
		Str("version", s.opts.Version).
		Msg("plogd started")
	return nil
}

func (s *Server) goBackground(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// Run starts the server and blocks until ctx is done, then shuts down
// within the configured shutdown_time.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTime.D())
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the listeners, lets queued messages drain until ctx ends,
// then stops the HTTP server and closes the handlers. Only the first call
// does anything.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		var errs []error
		for _, u := range s.udp {
			if err := u.listener.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("udp %s: %w", u.listener.Addr(), err))
			}
		}
		for _, t := range s.tcp {
			if err := t.listener.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tcp %s: %w", t.listener.Addr(), err))
			}
		}
		if s.admin != nil {
			if err := s.admin.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin server: %w", err))
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.bg.Wait()

		if err := s.chain.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close handlers: %w", err))
		}
		if s.recorder != nil {
			s.recorder.Stop()
		}
		s.stopErr = errors.Join(errs...)
		log.Info().Err(s.stopErr).Msg("plogd stopped")
	})
	return s.stopErr
}

// StatsJSON renders every listener's statistics, keyed by protocol and bound
// address, plus the shared handler statistics.
func (s *Server) StatsJSON() ([]byte, error) {
	out := make(map[string]stats.Snapshot, len(s.udp)+len(s.tcp)+1)
	for i, u := range s.udp {
		key := fmt.Sprintf("udp/%d", i)
		if addr := u.listener.Addr(); addr != nil {
			key = "udp/" + addr.String()
		}
		out[key] = u.stats.Snapshot()
	}
	for i, t := range s.tcp {
		key := fmt.Sprintf("tcp/%d", i)
		if addr := t.listener.Addr(); addr != nil {
			key = "tcp/" + addr.String()
		}
		out[key] = t.stats.Snapshot()
	}
	out[sharedLabel] = s.shared.Snapshot()
	return json.Marshal(out)
}

// UDPAddrs returns the bound UDP addresses, in config order.
func (s *Server) UDPAddrs() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, len(s.udp))
	for i, u := range s.udp {
		addrs[i] = u.listener.Addr()
	}
	return addrs
}

// TCPAddrs returns the bound TCP addresses, in config order.
func (s *Server) TCPAddrs() []net.Addr {
	addrs := make([]net.Addr, len(s.tcp))
	for i, t := range s.tcp {
		addrs[i] = t.listener.Addr()
	}
	return addrs
}

// AdminAddr returns the HTTP address, or nil when metrics_listen is empty.
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

type udpProvider struct{ l *listener.UDP }

func (p udpProvider) Name() string { return "udp_listener" }

func (p udpProvider) Stats() map[string]any {
	return map[string]any{
		"received":      p.l.Received(),
		"queue_dropped": p.l.Dropped(),
	}
}

type tcpProvider struct{ l *listener.TCP }

func (p tcpProvider) Name() string { return "tcp_listener" }

func (p tcpProvider) Stats() map[string]any {
	return map[string]any{
		"lines":    p.l.Lines(),
		"too_long": p.l.TooLong(),
	}
}
