package buffer

import (
	"sync"
	"testing"
	"time"

	v1 "flagsync/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func revisions(msgs []v1.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Revision)
	}
	return out
}

func TestRevisionBuffer_Lifecycle(t *testing.T) {
	buf := NewRevisionBuffer(3)

	msgs, ok := buf.Since(0)
	assert.True(t, ok)
	assert.Empty(t, msgs)

	for rev := int64(1); rev <= 3; rev++ {
		buf.Add(v1.Message{Revision: rev})
	}

	msgs, ok = buf.Since(0)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, revisions(msgs))

	buf.Add(v1.Message{Revision: 4})
	assert.Equal(t, 3, buf.Len())

	// revision 1 was evicted, so a client at 0 has a gap
	_, ok = buf.Since(0)
	assert.False(t, ok)

	msgs, ok = buf.Since(1)
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3, 4}, revisions(msgs))

	msgs, ok = buf.Since(2)
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, revisions(msgs))

	msgs, ok = buf.Since(4)
	require.True(t, ok)
	assert.Empty(t, msgs)
}

func TestRevisionBuffer_DropsStaleRevisions(t *testing.T) {
	buf := NewRevisionBuffer(4)
	buf.Add(v1.Message{Revision: 5})
	buf.Add(v1.Message{Revision: 5})
	buf.Add(v1.Message{Revision: 3})
	buf.Add(v1.Message{Revision: 8})

	msgs, ok := buf.Since(5)
	require.True(t, ok)
	assert.Equal(t, []int64{8}, revisions(msgs))
	assert.Equal(t, 2, buf.Len())
}

func TestRevisionBuffer_Reset(t *testing.T) {
	buf := NewRevisionBuffer(2)
	buf.Add(v1.Message{Revision: 1})
	buf.Reset(10)
	assert.Zero(t, buf.Len())

	_, ok := buf.Since(9)
	assert.False(t, ok)

	msgs, ok := buf.Since(10)
	require.True(t, ok)
	assert.Empty(t, msgs)

	buf.Add(v1.Message{Revision: 12})
	msgs, ok = buf.Since(10)
	require.True(t, ok)
	assert.Equal(t, []int64{12}, revisions(msgs))
}

func TestRevisionBuffer_Concurrency(t *testing.T) {
	buf := NewRevisionBuffer(100)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 1; i <= 2000; i++ {
			buf.Add(v1.Message{Revision: int64(i)})
			time.Sleep(time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastRev int64
			for {
				select {
				case <-done:
					return
				default:
				}
				msgs, ok := buf.Since(lastRev)
				if !ok {
					// fell behind; a real client refetches the snapshot
					lastRev = 0
					continue
				}
				for _, m := range msgs {
					if m.Revision <= lastRev {
						t.Errorf("revision went backwards: %d after %d", m.Revision, lastRev)
						return
					}
					lastRev = m.Revision
				}
			}
		}()
	}
	wg.Wait()
}
