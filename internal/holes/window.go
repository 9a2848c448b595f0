package holes

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// portWindow remembers the most recent message IDs seen from one source port,
// sorted ascending, plus the lowest and highest IDs observed since the last
// reset.
type portWindow struct {
	mu       sync.Mutex
	capacity int
	ids      []uint32

	hasMin  bool
	minSeen int64
	hasMax  bool
	maxSeen int64
}

func newPortWindow(capacity int) *portWindow {
	return &portWindow{
		capacity: capacity,
		ids:      make([]uint32, 0, capacity),
	}
}

// reset forgets all history. Used when a port is reused by a new sender.
func (w *portWindow) reset() {
	w.ids = w.ids[:0]
	w.hasMin, w.minSeen = false, 0
	w.hasMax, w.maxSeen = false, 0
}

// ensurePresent records candidate and returns the size of the gap pushed out
// of the window by doing so, or 0 if none (or larger than maxHole).
func (w *portWindow) ensurePresent(candidate uint32, maxHole int) int {
	c := int64(candidate)
	limit := int64(maxHole)

	w.mu.Lock()
	defer w.mu.Unlock()

	if (w.hasMin && w.minSeen-c > limit) || (w.hasMax && c-w.maxSeen > limit) {
		log.Debug().
			Uint32("id", candidate).
			Int64("min_seen", w.minSeen).
			Int64("max_seen", w.maxSeen).
			Msg("port reused, resetting window")
		w.reset()
	}
	if !w.hasMin || c < w.minSeen {
		w.hasMin, w.minSeen = true, c
	}
	if !w.hasMax || c > w.maxSeen {
		w.hasMax, w.maxSeen = true, c
	}

	i, found := slices.BinarySearch(w.ids, candidate)
	if found {
		return 0
	}

	if len(w.ids) < w.capacity {
		w.ids = slices.Insert(w.ids, i, candidate)
		return 0
	}

	// Full: the smallest value leaves. Before: a b c d e, after: b c X d e.
	var purgedOut, newFirst uint32
	if i == 0 {
		purgedOut = candidate
		newFirst = w.ids[0]
	} else {
		purgedOut = w.ids[0]
		copy(w.ids[:i-1], w.ids[1:i])
		w.ids[i-1] = candidate
		newFirst = w.ids[0]
	}

	hole := int64(newFirst) - int64(purgedOut) - 1
	if hole <= 0 {
		return 0
	}
	if hole > limit {
		log.Debug().Uint32("from", purgedOut).Uint32("to", newFirst).Msg("ignored oversized hole")
		return 0
	}
	log.Debug().Uint32("from", purgedOut).Uint32("to", newFirst).Int64("hole", hole).Msg("pushed out hole")
	return int(hole)
}

// countTotalHoles sums every gap of at most maxHole between adjacent IDs.
func (w *portWindow) countTotalHoles(maxHole int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for i := 1; i < len(w.ids); i++ {
		hole := int64(w.ids[i]) - int64(w.ids[i-1]) - 1
		if hole > 0 && hole <= int64(maxHole) {
			total += int(hole)
		}
	}
	return total
}
