package client

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/plogd/plogd/internal/defrag"
	"github.com/plogd/plogd/internal/pipeline"
	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dial(t *testing.T, server *net.UDPConn, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(server.LocalAddr().String(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// receive reads datagrams until one message is reassembled.
func receive(t *testing.T, server *net.UDPConn) *pipeline.Message {
	t.Helper()
	d, err := defrag.New(defrag.Config{MaxSize: 1 << 20, ExpireTime: time.Minute}, stats.New("test"), nil)
	require.NoError(t, err)

	buf := make([]byte, 65536)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		n, addr, err := server.ReadFromUDP(buf)
		require.NoError(t, err)
		dg, err := proto.Parse(append([]byte(nil), buf[:n]...), addr.Port)
		require.NoError(t, err)
		require.Equal(t, proto.KindFragment, dg.Kind)
		if msg, ok := d.Ingest(dg.Fragment); ok {
			return msg
		}
	}
}

func TestSend_RoundTrip(t *testing.T) {
	server := listen(t)
	c := dial(t, server, WithChunkSize(proto.HeaderSize+64), WithTags("kt:audit"))

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, c.Send(context.Background(), payload, "lk:env=prod"))

	msg := receive(t, server)
	assert.Equal(t, payload, msg.Payload)
	assert.Equal(t, []string{"kt:audit", "lk:env=prod"}, msg.Tags)
}

func TestSend_TagsDoNotLeakBetweenMessages(t *testing.T) {
	server := listen(t)
	c := dial(t, server, WithTags("base"))

	require.NoError(t, c.Send(context.Background(), []byte("one"), "extra"))
	assert.Equal(t, []string{"base", "extra"}, receive(t, server).Tags)

	require.NoError(t, c.Send(context.Background(), []byte("two")))
	assert.Equal(t, []string{"base"}, receive(t, server).Tags)
}

func TestSend_Errors(t *testing.T) {
	server := listen(t)
	c := dial(t, server, WithChunkSize(proto.HeaderSize+4))

	err := c.Send(context.Background(), []byte("payload"), "a-tag-longer-than-four-bytes")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, []byte("payload")), context.Canceled)
}

func TestSend_Loss(t *testing.T) {
	server := listen(t)
	lossy := dial(t, server, WithChunkSize(proto.HeaderSize+10), WithLoss(1, 7), WithSendBuffer(64*1024))

	require.NoError(t, lossy.Send(context.Background(), []byte("twenty-five bytes of text")))
	assert.Equal(t, uint64(3), lossy.Dropped())
	assert.Equal(t, uint64(0), lossy.Sent())

	// nothing reached the socket; the next datagram is the lossless one
	clean := dial(t, server)
	require.NoError(t, clean.Send(context.Background(), []byte("kept")))
	assert.Equal(t, uint64(1), clean.Sent())
	assert.Equal(t, []byte("kept"), receive(t, server).Payload)
}

func TestSend_PartialLossIsSeeded(t *testing.T) {
	server := listen(t)
	count := func() uint64 {
		c := dial(t, server, WithChunkSize(proto.HeaderSize+10), WithLoss(0.5, 42))
		for range 20 {
			require.NoError(t, c.Send(context.Background(), make([]byte, 50)))
		}
		assert.Equal(t, uint64(100), c.Sent()+c.Dropped())
		return c.Dropped()
	}
	first := count()
	assert.Equal(t, first, count())
	assert.Greater(t, first, uint64(0))
	assert.Less(t, first, uint64(100))
}

func TestNextID_Wraps(t *testing.T) {
	c := &Client{}
	assert.Equal(t, uint32(1), c.nextID())
	assert.Equal(t, uint32(2), c.nextID())

	c.lastID.Store(math.MaxInt32 - 1)
	assert.Equal(t, uint32(math.MaxInt32), c.nextID())
	assert.Equal(t, uint32(1), c.nextID())
}

func TestCommand(t *testing.T) {
	server := listen(t)
	c := dial(t, server)

	go func() {
		buf := make([]byte, 1024)
		n, addr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		dg, err := proto.Parse(buf[:n], addr.Port)
		if err != nil || dg.Kind != proto.KindCommand {
			return
		}
		_, _ = server.WriteToUDP(append([]byte("PONG"), dg.Command.Trailer...), addr)
	}()

	reply, err := c.Command(context.Background(), "PING", []byte("-7"))
	require.NoError(t, err)
	assert.Equal(t, "PONG-7", string(reply))
}

func TestCommand_Timeout(t *testing.T) {
	server := listen(t)
	c := dial(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Command(ctx, "KILL", nil)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	_, err = c.Command(context.Background(), "TOOLONG", nil)
	assert.Error(t, err)
}

func TestDial_Errors(t *testing.T) {
	_, err := Dial("127.0.0.1:9", WithChunkSize(proto.HeaderSize))
	assert.Error(t, err)

	_, err = Dial("not an address")
	assert.Error(t, err)

	_, err = Dial("127.0.0.1:9", WithLoss(1.5, 0))
	assert.Error(t, err)
}
