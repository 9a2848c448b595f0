package defrag

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/plogd/plogd/pkg/proto"
)

type ingestResult int

const (
	resultPending ingestResult = iota
	resultComplete
	resultInvalid
	resultLate // entry already completed or evicted
)

// partialMessage is the reassembly state of one multi-fragment message.
// The header fields are fixed by the first fragment seen.
type partialMessage struct {
	count int
	size  int
	hash  uint32

	mu      sync.Mutex
	buf     []byte
	present *bitset.BitSet
	tags    []string
	done    bool
}

func newPartialMessage(first *proto.Fragment) *partialMessage {
	return &partialMessage{
		count:   first.Count,
		size:    first.Size,
		hash:    first.MsgHash,
		buf:     make([]byte, first.TotalLength),
		present: bitset.New(uint(first.Count)),
	}
}

// consistent reports whether f agrees with the recorded header and carries
// exactly the payload its position requires.
func (pm *partialMessage) consistent(f *proto.Fragment) bool {
	if f.Size != pm.size || f.Count != pm.count || f.MsgHash != pm.hash || f.TotalLength != len(pm.buf) {
		return false
	}
	return len(f.Payload) == f.ExpectedLength()
}

// ingest copies f into the buffer. Re-sent indices overwrite earlier data.
func (pm *partialMessage) ingest(f *proto.Fragment) ingestResult {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.done {
		return resultLate
	}
	if !pm.consistent(f) {
		return resultInvalid
	}

	copy(pm.buf[f.Offset():], f.Payload)
	pm.present.Set(uint(f.Index))
	if len(f.Tags) > 0 {
		pm.tags = f.Tags
	}

	if pm.present.Count() == uint(pm.count) {
		pm.done = true
		return resultComplete
	}
	return resultPending
}

// abandon marks the message dropped and returns the indices never received.
// It returns nil if the message completed first.
func (pm *partialMessage) abandon() []int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.done {
		return nil
	}
	pm.done = true

	missing := make([]int, 0, pm.count-int(pm.present.Count()))
	for i := 0; i < pm.count; i++ {
		if !pm.present.Test(uint(i)) {
			missing = append(missing, i)
		}
	}
	return missing
}
