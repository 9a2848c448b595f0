// Package client sends messages and commands to a plogd UDP listener.
package client

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plogd/plogd/pkg/proto"
)

// DefaultChunkSize is the default datagram size, header included. It fits
// the daemon's default receive size.
const DefaultChunkSize = 64000

// DefaultCommandTimeout bounds Command when ctx has no deadline.
const DefaultCommandTimeout = 5 * time.Second

// Option configures a Client.
type Option func(*options)

type options struct {
	chunkSize  int
	tags       []string
	sendBuffer int
	loss       float64
	lossSeed   uint64
}

// WithChunkSize sets the largest datagram the client sends.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithTags adds tags to every message sent.
func WithTags(tags ...string) Option {
	return func(o *options) { o.tags = append(o.tags, tags...) }
}

// WithSendBuffer sets the socket send buffer (SO_SNDBUF).
func WithSendBuffer(bytes int) Option {
	return func(o *options) { o.sendBuffer = bytes }
}

// WithLoss discards each fragment with probability p instead of sending
// it, simulating a lossy network.
func WithLoss(p float64, seed uint64) Option {
	return func(o *options) {
		o.loss = p
		o.lossSeed = seed
	}
}

// Client is safe for concurrent use. Replies to concurrent commands are
// read one command at a time.
type Client struct {
	conn       *net.UDPConn
	fragmenter *proto.Fragmenter
	tags       []string

	loss    float64
	lossMu  sync.Mutex
	lossRnd *rand.Rand

	lastID  atomic.Int32
	cmdMu   sync.Mutex
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Dial connects to a plogd listener at addr ("host:port").
func Dial(addr string, opts ...Option) (*Client, error) {
	o := options{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}

	fragmenter, err := proto.NewFragmenter(o.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("chunk size: %w", err)
	}
	if o.loss < 0 || o.loss > 1 {
		return nil, fmt.Errorf("loss must be within [0, 1], got %v", o.loss)
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if o.sendBuffer > 0 {
		if err := conn.SetWriteBuffer(o.sendBuffer); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set send buffer: %w", err)
		}
	}

	c := &Client{conn: conn, fragmenter: fragmenter, tags: o.tags, loss: o.loss}
	if o.loss > 0 {
		c.lossRnd = rand.New(rand.NewPCG(o.lossSeed, o.lossSeed^0x9e3779b97f4a7c15))
	}
	return c, nil
}

// nextID returns message IDs 1, 2, ... MaxInt32, then 1 again.
func (c *Client) nextID() uint32 {
	for {
		cur := c.lastID.Load()
		next := cur + 1
		if cur >= math.MaxInt32 || cur < 0 {
			next = 1
		}
		if c.lastID.CompareAndSwap(cur, next) {
			return uint32(next)
		}
	}
}

// Send fragments payload and writes every fragment. tags are added to the
// client's own tags.
func (c *Client) Send(ctx context.Context, payload []byte, tags ...string) error {
	all := c.tags
	if len(tags) > 0 {
		all = append(slices.Clip(c.tags), tags...)
	}

	id := c.nextID()
	fragments, err := c.fragmenter.Fragment(id, payload, all)
	if err != nil {
		return fmt.Errorf("fragment message %d: %w", id, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	for i, f := range fragments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.lose() {
			c.dropped.Add(1)
			continue
		}
		if _, err := c.conn.Write(f); err != nil {
			return fmt.Errorf("send fragment %d/%d of message %d: %w", i+1, len(fragments), id, err)
		}
		c.sent.Add(1)
	}
	return nil
}

func (c *Client) lose() bool {
	if c.lossRnd == nil {
		return false
	}
	c.lossMu.Lock()
	defer c.lossMu.Unlock()
	return c.lossRnd.Float64() < c.loss
}

// Sent returns the number of fragments written to the socket.
func (c *Client) Sent() uint64 { return c.sent.Load() }

// Dropped returns the number of fragments discarded by WithLoss.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Command sends a four-letter command and waits for the reply. Commands
// with no reply, like KILL, end in a timeout error.
func (c *Client) Command(ctx context.Context, name string, trailer []byte) ([]byte, error) {
	datagram, err := proto.EncodeCommand(name, trailer)
	if err != nil {
		return nil, err
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCommandTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write(datagram); err != nil {
		return nil, fmt.Errorf("send %s: %w", name, err)
	}

	buf := make([]byte, 65536)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s reply: %w", name, err)
	}
	return buf[:n], nil
}

// LocalAddr returns the client's source address. The daemon keys message
// IDs by its port.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket.
func (c *Client) Close() error {
	return c.conn.Close()
}
