package pipeline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // tail is a debugging aid served next to /metrics
	},
}

// Tail fans messages out to websocket subscribers. Each subscriber has a
// bounded queue; a subscriber that falls behind loses messages.
type Tail struct {
	bufferSize int

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

type subscriber struct {
	conn      *websocket.Conn
	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		_ = s.conn.Close()
	})
}

// NewTail creates a tail handler with per-subscriber queues of bufferSize.
func NewTail(bufferSize int) *Tail {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Tail{bufferSize: bufferSize, subs: make(map[*subscriber]struct{})}
}

func (t *Tail) Name() string { return "tail" }

func (t *Tail) Handle(_ context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for s := range t.subs {
		select {
		case s.writeChan <- msg.Payload:
			t.sent.Add(1)
		default:
			t.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (t *Tail) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// ServeHTTP upgrades the request to a websocket and streams messages to it
// until either side goes away.
func (t *Tail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("tail websocket upgrade failed")
		return
	}

	s := &subscriber{
		conn:      conn,
		writeChan: make(chan []byte, t.bufferSize),
		closeChan: make(chan struct{}),
	}
	if !t.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("tail subscriber connected")
	defer func() {
		t.unregister(s)
		s.close()
		log.Info().Str("remote", r.RemoteAddr).Msg("tail subscriber disconnected")
	}()

	go t.writeLoop(s)

	// Subscribers never send; reading only surfaces the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("tail read error")
			}
			return
		}
	}
}

func (t *Tail) writeLoop(s *subscriber) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.close()
				return
			}
		case data := <-s.writeChan:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Debug().Err(err).Msg("tail write failed")
				s.close()
				return
			}
		}
	}
}

func (t *Tail) register(s *subscriber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.subs[s] = struct{}{}
	return true
}

func (t *Tail) unregister(s *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

func (t *Tail) Stats() map[string]any {
	return map[string]any{
		"subscribers": t.Subscribers(),
		"sent":        t.sent.Load(),
		"dropped":     t.dropped.Load(),
	}
}

// Close disconnects every subscriber.
func (t *Tail) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := make([]*subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	return nil
}
