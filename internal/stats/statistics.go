package stats

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plogd/plogd/internal/cache"
)

// logBuckets covers bits.Len of any 16-bit fragment index or count.
const logBuckets = 17

// StatsProvider contributes a named section to the JSON snapshot.
type StatsProvider interface {
	Name() string
	Stats() map[string]any
}

// Statistics aggregates events into atomic counters and log2 histograms.
type Statistics struct {
	version string
	started time.Time

	udpSimpleMessages        atomic.Int64
	udpInvalidVersion        atomic.Int64
	v0InvalidType            atomic.Int64
	v0InvalidMultipartHeader atomic.Int64
	unknownCommand           atomic.Int64
	v0Commands               atomic.Int64
	v0MultipartMessages      atomic.Int64
	failedToSend             atomic.Int64
	exceptions               atomic.Int64
	unhandledObjects         atomic.Int64
	holesFromDeadPort        atomic.Int64
	holesFromNewMessage      atomic.Int64

	fragments        [logBuckets]atomic.Int64
	invalidChecksum  [logBuckets]atomic.Int64
	invalidFragments [logBuckets * logBuckets]atomic.Int64
	droppedFragments [logBuckets * logBuckets]atomic.Int64

	mu         sync.Mutex
	cacheStats func() cache.Stats
	providers  []StatsProvider
}

var _ Reporter = (*Statistics)(nil)

// New creates an empty Statistics reporting the given build version.
func New(version string) *Statistics {
	return &Statistics{version: version, started: time.Now()}
}

// WithCache registers the defragmenter cache counters. It may be called once.
func (s *Statistics) WithCache(fn func() cache.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheStats != nil {
		return fmt.Errorf("cache stats already registered")
	}
	s.cacheStats = fn
	return nil
}

// AppendProvider adds a handler section to the snapshot.
func (s *Statistics) AppendProvider(p StatsProvider) {
	s.mu.Lock()
	s.providers = append(s.providers, p)
	s.mu.Unlock()
}

// intLog2 returns the number of bits needed to represent i, 0 for i <= 0.
func intLog2(i int) int {
	if i <= 0 {
		return 0
	}
	n := bits.Len32(uint32(i))
	if n >= logBuckets {
		return logBuckets - 1
	}
	return n
}

func matrixIndex(index, expectedFragments int) int {
	return logBuckets*intLog2(expectedFragments-1) + intLog2(index)
}

func (s *Statistics) ReceivedUDPSimpleMessage()         { s.udpSimpleMessages.Add(1) }
func (s *Statistics) ReceivedUDPInvalidVersion()        { s.udpInvalidVersion.Add(1) }
func (s *Statistics) ReceivedV0InvalidType()            { s.v0InvalidType.Add(1) }
func (s *Statistics) ReceivedV0InvalidMultipartHeader() { s.v0InvalidMultipartHeader.Add(1) }
func (s *Statistics) ReceivedV0Command()                { s.v0Commands.Add(1) }
func (s *Statistics) ReceivedUnknownCommand()           { s.unknownCommand.Add(1) }
func (s *Statistics) ReceivedV0MultipartMessage()       { s.v0MultipartMessages.Add(1) }
func (s *Statistics) FailedToSend()                     { s.failedToSend.Add(1) }
func (s *Statistics) Exception()                        { s.exceptions.Add(1) }
func (s *Statistics) UnhandledObject()                  { s.unhandledObjects.Add(1) }

func (s *Statistics) FoundHolesFromNewMessage(holes int) {
	s.holesFromNewMessage.Add(int64(holes))
}

func (s *Statistics) FoundHolesFromDeadPort(holes int) {
	s.holesFromDeadPort.Add(int64(holes))
}

func (s *Statistics) ReceivedV0MultipartFragment(index int) {
	s.fragments[intLog2(index)].Add(1)
}

func (s *Statistics) ReceivedV0InvalidChecksum(fragments int) {
	s.invalidChecksum[intLog2(fragments-1)].Add(1)
}

func (s *Statistics) ReceivedV0InvalidMultipartFragment(index, expectedFragments int) {
	s.invalidFragments[matrixIndex(index, expectedFragments)].Add(1)
}

func (s *Statistics) MissingFragmentInDroppedMessage(index, expectedFragments int) {
	s.droppedFragments[matrixIndex(index, expectedFragments)].Add(1)
}

// Snapshot is the JSON form of Statistics.
type Snapshot struct {
	Version                  string           `json:"version"`
	UptimeMillis             int64            `json:"uptime"`
	UDPSimpleMessages        int64            `json:"udp_simple_messages"`
	UDPInvalidVersion        int64            `json:"udp_invalid_version"`
	V0InvalidType            int64            `json:"v0_invalid_type"`
	V0InvalidMultipartHeader int64            `json:"v0_invalid_multipart_header"`
	UnknownCommand           int64            `json:"unknown_command"`
	V0Commands               int64            `json:"v0_commands"`
	V0MultipartMessages      int64            `json:"v0_multipart_messages"`
	FailedToSend             int64            `json:"failed_to_send"`
	Exceptions               int64            `json:"exceptions"`
	UnhandledObjects         int64            `json:"unhandled_objects"`
	HolesFromDeadPort        int64            `json:"holes_from_dead_port"`
	HolesFromNewMessage      int64            `json:"holes_from_new_message"`
	V0Fragments              []int64          `json:"v0_fragments"`
	V0InvalidChecksum        []int64          `json:"v0_invalid_checksum"`
	V0InvalidFragments       [][]int64        `json:"v0_invalid_fragments"`
	DroppedFragments         [][]int64        `json:"dropped_fragments"`
	Cache                    *cache.Stats     `json:"cache,omitempty"`
	Handlers                 []map[string]any `json:"handlers"`
}

// Snapshot reads every counter.
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		Version:                  s.version,
		UptimeMillis:             time.Since(s.started).Milliseconds(),
		UDPSimpleMessages:        s.udpSimpleMessages.Load(),
		UDPInvalidVersion:        s.udpInvalidVersion.Load(),
		V0InvalidType:            s.v0InvalidType.Load(),
		V0InvalidMultipartHeader: s.v0InvalidMultipartHeader.Load(),
		UnknownCommand:           s.unknownCommand.Load(),
		V0Commands:               s.v0Commands.Load(),
		V0MultipartMessages:      s.v0MultipartMessages.Load(),
		FailedToSend:             s.failedToSend.Load(),
		Exceptions:               s.exceptions.Load(),
		UnhandledObjects:         s.unhandledObjects.Load(),
		HolesFromDeadPort:        s.holesFromDeadPort.Load(),
		HolesFromNewMessage:      s.holesFromNewMessage.Load(),
		V0Fragments:              loadArray(s.fragments[:]),
		V0InvalidChecksum:        loadArray(s.invalidChecksum[:]),
		V0InvalidFragments:       loadTriangle(s.invalidFragments[:]),
		DroppedFragments:         loadTriangle(s.droppedFragments[:]),
		Handlers:                 []map[string]any{},
	}

	s.mu.Lock()
	cacheStats := s.cacheStats
	providers := append([]StatsProvider(nil), s.providers...)
	s.mu.Unlock()

	if cacheStats != nil {
		cs := cacheStats()
		snap.Cache = &cs
	}
	for _, p := range providers {
		section := map[string]any{"name": p.Name()}
		for k, v := range p.Stats() {
			section[k] = v
		}
		snap.Handlers = append(snap.Handlers, section)
	}
	return snap
}

// JSON returns the snapshot encoded as JSON.
func (s *Statistics) JSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

func loadArray(data []atomic.Int64) []int64 {
	out := make([]int64, len(data))
	for i := range data {
		out[i] = data[i].Load()
	}
	return out
}

// loadTriangle reads a count-by-index matrix. Row r holds messages whose
// fragment count needs r bits; an index can never need more bits than its
// count, so only the lower triangle is emitted.
func loadTriangle(data []atomic.Int64) [][]int64 {
	out := make([][]int64, logBuckets)
	for countLog := 0; countLog < logBuckets; countLog++ {
		row := make([]int64, countLog+1)
		for indexLog := 0; indexLog <= countLog; indexLog++ {
			row[indexLog] = data[countLog*logBuckets+indexLog].Load()
		}
		out[countLog] = row
	}
	return out
}
