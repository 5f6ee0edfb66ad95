// Package buffer keeps the most recent replica messages so a reconnecting
// stream client can catch up from its last seen revision.
package buffer

import (
	"sort"
	"sync"

	v1 "flagsync/pkg/api/v1"
)

const DefaultSize = 1000

// RevisionBuffer is a fixed-size ring of messages in ascending revision order.
// floor is the revision after which the ring holds every message.
type RevisionBuffer struct {
	mu    sync.RWMutex
	ring  []v1.Message
	next  int
	count int
	floor int64
}

func NewRevisionBuffer(size int) *RevisionBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &RevisionBuffer{ring: make([]v1.Message, size)}
}

// Add appends msg, evicting the oldest entry once full. Messages with a
// revision not above the newest one are dropped.
func (b *RevisionBuffer) Add(msg v1.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 && msg.Revision <= b.at(b.count-1).Revision {
		return
	}
	if b.count == len(b.ring) {
		b.floor = b.at(0).Revision
	} else {
		b.count++
	}
	b.ring[b.next] = msg
	b.next = (b.next + 1) % len(b.ring)
}

// Reset empties the buffer after a fresh snapshot taken at rev.
func (b *RevisionBuffer) Reset(rev int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next, b.count, b.floor = 0, 0, rev
}

// at maps a logical index, 0 being the oldest entry, to the ring.
func (b *RevisionBuffer) at(i int) v1.Message {
	start := (b.next - b.count + len(b.ring)) % len(b.ring)
	return b.ring[(start+i)%len(b.ring)]
}

// Since returns every message newer than lastRev. ok is false when messages
// after lastRev have already been evicted; the caller must resync from a
// snapshot.
func (b *RevisionBuffer) Since(lastRev int64) (msgs []v1.Message, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if lastRev < b.floor {
		return nil, false
	}
	if b.count == 0 {
		return nil, true
	}

	idx := sort.Search(b.count, func(i int) bool {
		return b.at(i).Revision > lastRev
	})
	if idx == b.count {
		return nil, true
	}
	msgs = make([]v1.Message, 0, b.count-idx)
	for i := idx; i < b.count; i++ {
		msgs = append(msgs, b.at(i))
	}
	return msgs, true
}

func (b *RevisionBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
