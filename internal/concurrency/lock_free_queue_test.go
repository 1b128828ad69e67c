package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFreeQueueBounds(t *testing.T) {
	q := NewLockFreeQueue[int](3)
	require.Equal(t, 4, q.Cap())
	for i := 0; i < 4; i++ {
		require.True(t, q.Enqueue(i))
	}
	require.False(t, q.Enqueue(99))
	assert.Equal(t, 4, q.Len())
	for i := 0; i < 4; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestLockFreeQueueMPMC(t *testing.T) {
	q := NewLockFreeQueue[int](1024)
	const (
		producers        = 8
		consumers        = 8
		itemsPerProducer = 5000
		total            = producers * itemsPerProducer
	)

	var sent, received, count int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				v := pid*itemsPerProducer + i + 1
				for !q.Enqueue(v) {
					runtime.Gosched()
				}
				atomic.AddInt64(&sent, int64(v))
			}
		}(p)
	}
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.LoadInt64(&count) < total {
				if v, ok := q.Dequeue(); ok {
					atomic.AddInt64(&received, int64(v))
					atomic.AddInt64(&count, 1)
				} else {
					runtime.Gosched()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(total), count)
	assert.Equal(t, sent, received)
}
