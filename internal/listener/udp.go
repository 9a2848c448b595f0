package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/pipeline"
	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/rs/zerolog/log"
)

// QueueSize is the number of datagrams buffered between the socket and the
// workers of one UDP listener.
const QueueSize = 4096

// UDPOptions holds everything a UDP listener feeds.
type UDPOptions struct {
	Config   config.UDPListenerConfig
	Reporter stats.Reporter
	Defrag   Reassembler
	Sink     Sink
	Commands *CommandHandler // nil counts every command as unknown
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// UDP receives plog datagrams on one socket.
type UDP struct {
	opts UDPOptions

	conn  *net.UDPConn
	queue chan datagram

	recvDone chan struct{}
	workers  sync.WaitGroup
	running  atomic.Bool

	received atomic.Int64
	dropped  atomic.Int64
}

// NewUDP creates a UDP listener. Call Start to bind it.
func NewUDP(opts UDPOptions) *UDP {
	return &UDP{opts: opts}
}

// Start binds the socket and starts the receive loop and workers. Workers
// keep running until Shutdown, independent of ctx cancellation, so that
// queued datagrams can drain.
func (u *UDP) Start(ctx context.Context) error {
	cfg := u.opts.Config
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", cfg.Addr(), err)
	}
	conn := pc.(*net.UDPConn)

	if n := int(cfg.SORcvBuf.Int64()); n > 0 {
		if err := conn.SetReadBuffer(n); err != nil {
			log.Warn().Err(err).Int("bytes", n).Msg("failed to set SO_RCVBUF")
		}
	}
	if n := int(cfg.SOSndBuf.Int64()); n > 0 {
		if err := conn.SetWriteBuffer(n); err != nil {
			log.Warn().Err(err).Int("bytes", n).Msg("failed to set SO_SNDBUF")
		}
	}

	u.conn = conn
	u.queue = make(chan datagram, QueueSize)
	u.recvDone = make(chan struct{})
	u.running.Store(true)

	workCtx := context.WithoutCancel(ctx)
	threads := max(1, cfg.Threads)
	for i := 0; i < threads; i++ {
		u.workers.Add(1)
		go u.worker(workCtx)
	}
	go u.receiveLoop()

	log.Info().
		Str("addr", conn.LocalAddr().String()).
		Int("workers", threads).
		Int("recv_size", int(cfg.RecvSize.Int64())).
		Msg("UDP listener started")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (u *UDP) Addr() *net.UDPAddr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) receiveLoop() {
	defer close(u.recvDone)
	defer close(u.queue)

	buf := make([]byte, max(1, int(u.opts.Config.RecvSize.Int64())))
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !u.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("UDP read error")
			continue
		}
		u.received.Add(1)

		// Handlers may keep the payload, so every datagram gets its own buffer
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case u.queue <- datagram{data: data, addr: addr}:
		default:
			u.dropped.Add(1)
			log.Debug().Str("from", addr.String()).Msg("datagram queue full, dropping datagram")
		}
	}
}

func (u *UDP) worker(ctx context.Context) {
	defer u.workers.Done()
	for d := range u.queue {
		u.handle(ctx, d)
	}
}

func (u *UDP) handle(ctx context.Context, d datagram) {
	reporter := u.opts.Reporter

	dg, err := proto.Parse(d.data, d.addr.Port)
	if err != nil {
		log.Debug().Err(err).Str("from", d.addr.String()).Msg("invalid datagram")
		countParseError(reporter, err)
		return
	}

	switch dg.Kind {
	case proto.KindRaw:
		reporter.ReceivedUDPSimpleMessage()
		u.opts.Sink.Handle(ctx, &pipeline.Message{Payload: dg.Raw})
	case proto.KindCommand:
		if u.opts.Commands == nil {
			reporter.ReceivedUnknownCommand()
			return
		}
		if reply := u.opts.Commands.Handle(dg.Command); reply != nil {
			if _, err := u.conn.WriteToUDP(reply, d.addr); err != nil {
				log.Debug().Err(err).Str("to", d.addr.String()).Msg("failed to send command reply")
			}
		}
	case proto.KindFragment:
		reporter.ReceivedV0MultipartFragment(dg.Fragment.Index)
		if msg, ok := u.opts.Defrag.Ingest(dg.Fragment); ok {
			u.opts.Sink.Handle(ctx, msg)
		}
	}
}

// Received returns the number of datagrams read from the socket.
func (u *UDP) Received() int64 { return u.received.Load() }

// Dropped returns the number of datagrams lost to a full queue.
func (u *UDP) Dropped() int64 { return u.dropped.Load() }

// Shutdown stops reading and waits for queued datagrams to be handled, or
// for ctx to end.
func (u *UDP) Shutdown(ctx context.Context) error {
	if !u.running.CompareAndSwap(true, false) {
		return nil
	}
	_ = u.conn.Close()
	<-u.recvDone

	done := make(chan struct{})
	go func() {
		u.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("addr", u.conn.LocalAddr().String()).Msg("UDP listener stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain udp workers: %w", ctx.Err())
	}
}
