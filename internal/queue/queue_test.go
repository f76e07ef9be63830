package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueSignalCoalesces(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("two pushes MUST produce a single wake-up")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueueClose(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Push(2))

	_, open := <-q.Wait()
	assert.False(t, open)

	v, ok := q.TryPop()
	require.True(t, ok, "queued items MUST survive Close")
	assert.Equal(t, 1, v)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2000, q.Len())
}
