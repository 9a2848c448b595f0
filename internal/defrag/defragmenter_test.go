package defrag

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pair struct{ index, count int }

// recorder keeps the events the defragmenter fires; everything else goes to
// the embedded Statistics.
type recorder struct {
	*stats.Statistics

	mu        sync.Mutex
	complete  int
	checksums []int
	invalid   []pair
	missing   []pair
}

func newRecorder() *recorder {
	return &recorder{Statistics: stats.New("test")}
}

func (r *recorder) ReceivedV0MultipartMessage() {
	r.mu.Lock()
	r.complete++
	r.mu.Unlock()
}

func (r *recorder) ReceivedV0InvalidChecksum(fragments int) {
	r.mu.Lock()
	r.checksums = append(r.checksums, fragments)
	r.mu.Unlock()
}

func (r *recorder) ReceivedV0InvalidMultipartFragment(index, expected int) {
	r.mu.Lock()
	r.invalid = append(r.invalid, pair{index, expected})
	r.mu.Unlock()
}

func (r *recorder) MissingFragmentInDroppedMessage(index, expected int) {
	r.mu.Lock()
	r.missing = append(r.missing, pair{index, expected})
	r.mu.Unlock()
}

type idRecorder struct {
	mu  sync.Mutex
	ids []uint64
}

func (d *idRecorder) ReportNewMessage(msgID uint64) int {
	d.mu.Lock()
	d.ids = append(d.ids, msgID)
	d.mu.Unlock()
	return 0
}

const testPort = 4242

var testPayload = []byte(strings.Repeat("0123456789", 3) + "xyz")

// fragments splits payload into parsed 10-byte fragments.
func fragments(t *testing.T, id uint32, payload []byte, tags []string) []*proto.Fragment {
	t.Helper()
	f, err := proto.NewFragmenter(proto.HeaderSize + 10)
	require.NoError(t, err)
	datagrams, err := f.Fragment(id, payload, tags)
	require.NoError(t, err)

	out := make([]*proto.Fragment, len(datagrams))
	for i, d := range datagrams {
		out[i], err = proto.ParseFragment(d, testPort)
		require.NoError(t, err)
	}
	return out
}

func newTestDefragmenter(t *testing.T, cfg Config) (*Defragmenter, *recorder, *idRecorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r := newRecorder()
	ids := &idRecorder{}
	d, err := newWithClock(cfg, r, ids, clock.Now)
	require.NoError(t, err)
	return d, r, ids, clock
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{MaxSize: 0}, stats.New("test"), nil)
	assert.Error(t, err)

	_, err = New(Config{MaxSize: 10}, nil, nil)
	assert.Error(t, err)
}

func TestIngest_AnyOrder(t *testing.T) {
	orders := map[string][]int{
		"in order": {0, 1, 2, 3},
		"reversed": {3, 2, 1, 0},
		"shuffled": {2, 0, 3, 1},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			d, r, ids, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
			frags := fragments(t, 7, testPayload, []string{"kt:a", "b"})
			require.Len(t, frags, 4)

			for n, i := range order {
				msg, ok := d.Ingest(frags[i])
				if n < len(order)-1 {
					assert.False(t, ok)
					assert.Nil(t, msg)
					continue
				}
				require.True(t, ok)
				assert.Equal(t, testPayload, msg.Payload)
				assert.Equal(t, []string{"kt:a", "b"}, msg.Tags)
			}

			assert.Equal(t, 0, d.Pending())
			assert.Equal(t, int64(0), d.PendingBytes())
			assert.Equal(t, 1, r.complete)
			assert.Empty(t, r.missing)
			assert.Equal(t, []uint64{proto.MessageID(testPort, 7)}, ids.ids)
		})
	}
}

func TestIngest_DuplicateFragment(t *testing.T) {
	d, r, ids, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 8, testPayload, nil)

	for _, i := range []int{0, 0, 1, 1, 2} {
		_, ok := d.Ingest(frags[i])
		assert.False(t, ok)
	}
	msg, ok := d.Ingest(frags[3])
	require.True(t, ok)
	assert.Equal(t, testPayload, msg.Payload)
	assert.Len(t, ids.ids, 1)
	assert.Empty(t, r.invalid)
}

func TestIngest_LateFragmentAfterCompletion(t *testing.T) {
	d, _, _, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 9, testPayload, nil)

	pm := newPartialMessage(frags[0])
	for _, f := range frags {
		pm.ingest(f)
	}
	assert.Equal(t, resultLate, pm.ingest(frags[0]))
	assert.Nil(t, pm.abandon())

	// once removed, the ID starts a fresh message
	for _, f := range frags {
		d.Ingest(f)
	}
	_, ok := d.Ingest(frags[1])
	assert.False(t, ok)
	assert.Equal(t, 1, d.Pending())
}

func TestIngest_ChecksumMismatch(t *testing.T) {
	d, r, _, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 10, testPayload, nil)
	frags[1].Payload = []byte("9999999999")

	for _, f := range frags {
		_, ok := d.Ingest(f)
		assert.False(t, ok)
	}
	assert.Equal(t, []int{4}, r.checksums)
	assert.Equal(t, 0, r.complete)
	assert.Equal(t, 0, d.Pending())
}

func TestIngest_InconsistentFragment(t *testing.T) {
	d, r, _, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 11, testPayload, nil)

	_, ok := d.Ingest(frags[0])
	require.False(t, ok)

	other := fragments(t, 11, []byte(strings.Repeat("z", 25)), nil)
	_, ok = d.Ingest(other[1])
	assert.False(t, ok)

	short := *frags[1]
	short.Payload = short.Payload[:5]
	_, ok = d.Ingest(&short)
	assert.False(t, ok)

	// same shape, different content: only the hash disagrees
	altered := append([]byte(nil), testPayload...)
	altered[0] = 'X'
	rehashed := fragments(t, 11, altered, nil)
	require.Equal(t, frags[2].Count, rehashed[2].Count)
	require.Equal(t, frags[2].TotalLength, rehashed[2].TotalLength)
	require.NotEqual(t, frags[2].MsgHash, rehashed[2].MsgHash)
	_, ok = d.Ingest(rehashed[2])
	assert.False(t, ok)

	assert.Equal(t, []pair{{1, 4}, {1, 4}, {2, 4}}, r.invalid)

	// the message is still completable
	for _, f := range frags[1:] {
		d.Ingest(f)
	}
	assert.Equal(t, 1, r.complete)
}

func TestIngest_RejectsBadHeaderBeforeCaching(t *testing.T) {
	d, r, ids, _ := newTestDefragmenter(t, Config{MaxSize: 64, ExpireTime: time.Minute})

	cases := map[string]*proto.Fragment{
		"zero size":       {MsgID: 1, Count: 2, Index: 0, Size: 0, TotalLength: 10, Payload: []byte{}},
		"too long":        {MsgID: 2, Count: 2, Index: 0, Size: 10, TotalLength: 25, Payload: make([]byte, 10)},
		"too short":       {MsgID: 3, Count: 3, Index: 0, Size: 10, TotalLength: 15, Payload: make([]byte, 10)},
		"index past last": {MsgID: 4, Count: 2, Index: 2, Size: 10, TotalLength: 15, Payload: make([]byte, 10)},
	}
	for name, f := range cases {
		_, ok := d.Ingest(f)
		assert.False(t, ok, name)
	}

	assert.Len(t, r.invalid, len(cases))
	assert.Empty(t, r.missing)
	assert.Equal(t, 0, d.Pending())
	assert.ElementsMatch(t, []uint64{1, 2, 3, 4}, ids.ids)
}

func TestIngest_RejectedFragmentUsesPendingCount(t *testing.T) {
	d, r, ids, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 16, testPayload, nil)

	d.Ingest(frags[0])
	bad := &proto.Fragment{MsgID: frags[0].MsgID, Count: 7, Index: 1, Size: 0, TotalLength: 10}
	_, ok := d.Ingest(bad)
	assert.False(t, ok)

	assert.Equal(t, []pair{{1, 4}}, r.invalid)
	assert.Equal(t, []uint64{frags[0].MsgID}, ids.ids)
	assert.Equal(t, 1, d.Pending())
}

func TestIngest_OversizedMessage(t *testing.T) {
	d, r, ids, _ := newTestDefragmenter(t, Config{MaxSize: 20, ExpireTime: time.Minute})
	frags := fragments(t, 17, testPayload, nil)
	require.Len(t, frags, 4)

	for _, f := range frags {
		_, ok := d.Ingest(f)
		assert.False(t, ok)
	}

	id := proto.MessageID(testPort, 17)
	require.NotEmpty(t, ids.ids)
	for _, got := range ids.ids {
		assert.Equal(t, id, got)
	}
	assert.Empty(t, r.invalid)
	assert.Len(t, r.missing, 4*3)
	assert.NotContains(t, r.missing[:3], pair{0, 4})
	assert.Contains(t, r.missing[:3], pair{3, 4})
	assert.Equal(t, uint64(4), d.Oversized())
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, int64(0), d.PendingBytes())
}

func TestIngest_OversizedFragmentForPendingMessage(t *testing.T) {
	d, r, _, _ := newTestDefragmenter(t, Config{MaxSize: 40, ExpireTime: time.Minute})
	frags := fragments(t, 18, testPayload, nil)
	d.Ingest(frags[0])

	big := fragments(t, 18, []byte(strings.Repeat("b", 45)), nil)
	_, ok := d.Ingest(big[1])
	assert.False(t, ok)

	assert.Equal(t, []pair{{1, 4}}, r.invalid)
	assert.Empty(t, r.missing)
	assert.Equal(t, uint64(0), d.Oversized())
	assert.Equal(t, 1, d.Pending())
}

func TestIngest_AloneFragment(t *testing.T) {
	d, r, ids, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 12, []byte("abc"), []string{"x"})
	require.Len(t, frags, 1)

	msg, ok := d.Ingest(frags[0])
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), msg.Payload)
	assert.Equal(t, []string{"x"}, msg.Tags)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, uint64(0), d.Stats().Misses)
	assert.Equal(t, []uint64{proto.MessageID(testPort, 12)}, ids.ids)
	assert.Equal(t, 1, r.complete)

	bad := *frags[0]
	bad.Payload = []byte("abd")
	_, ok = d.Ingest(&bad)
	assert.False(t, ok)
	assert.Equal(t, []int{1}, r.checksums)
}

func TestExpiry_ReportsMissingFragments(t *testing.T) {
	d, r, _, clock := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})
	frags := fragments(t, 13, testPayload, nil)

	d.Ingest(frags[0])
	d.Ingest(frags[2])
	require.Equal(t, 1, d.Pending())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, d.pending.Sweep(clock.Now()))

	assert.Equal(t, []pair{{1, 4}, {3, 4}}, r.missing)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, uint64(1), d.Stats().Evictions)

	// the late fragment starts a new message rather than completing the old one
	_, ok := d.Ingest(frags[1])
	assert.False(t, ok)
}

func TestCapacity_ReportsMissingFragments(t *testing.T) {
	d, r, _, _ := newTestDefragmenter(t, Config{MaxSize: 40, ExpireTime: time.Minute})
	first := fragments(t, 14, testPayload, nil)
	second := fragments(t, 15, testPayload, nil)

	d.Ingest(first[0])
	d.Ingest(first[1])
	d.Ingest(first[2])
	// 33 + 33 bytes exceed 40, the older message goes
	d.Ingest(second[0])

	assert.Equal(t, []pair{{3, 4}}, r.missing)
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, int64(33), d.PendingBytes())
}

func TestRemoval_NilValue(t *testing.T) {
	d, r, _, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20})
	d.onRemoval(1, nil, 0)
	assert.Equal(t, []pair{{0, 0}}, r.missing)
}

func TestIngest_Concurrent(t *testing.T) {
	d, r, _, _ := newTestDefragmenter(t, Config{MaxSize: 1 << 20, ExpireTime: time.Minute})

	const messages = 50
	all := make([][]*proto.Fragment, messages)
	for i := range all {
		all[i] = fragments(t, uint32(i), testPayload, nil)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		complete int
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			// each goroutine feeds one fragment index of every message
			for _, frags := range all {
				if msg, ok := d.Ingest(frags[g]); ok {
					assert.Equal(t, testPayload, msg.Payload)
					mu.Lock()
					complete++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, messages, complete)
	assert.Equal(t, messages, r.complete)
	assert.Equal(t, 0, d.Pending())
}
