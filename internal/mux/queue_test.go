package mux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/model"
)

func changeEvent(id string, version int64) Event {
	return Event{
		Kind:  KindChange,
		Table: model.TypeOrder,
		Change: feed.Change{
			Table: model.TypeOrder,
			Op:    feed.OpUpdate,
			New:   model.Order{ID: id, Version: version},
		},
	}
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(changeEvent("o1", int64(i))))
	}

	for i := 1; i <= 3; i++ {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, int64(i), e.Change.Version())
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignalsEnqueue(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(changeEvent("o1", 1))
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
	_, ok := q.TryDequeue()
	assert.True(t, ok)
}

func TestEventQueue_CloseDiscardsAndWakes(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(changeEvent("o1", 1))

	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.Equal(t, 0, q.Len())
	_, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.False(t, q.Enqueue(changeEvent("o1", 2)), "enqueue after close should return false")

	select {
	case _, open := <-q.Wait():
		assert.False(t, open)
	default:
		t.Fatal("wait channel not closed")
	}
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(changeEvent("o1", int64(p*1000+i)))
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, producers*eventsPerProducer, q.Len())
}
