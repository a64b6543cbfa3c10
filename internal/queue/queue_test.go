package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(id string) Request {
	return Request{ID: id, Title: "title " + id, URL: "https://youtu.be/" + id, Requester: "viewer"}
}

func TestEnqueue_UpToCapacity(t *testing.T) {
	q := New(DefaultCapacity)

	for i := 1; i <= DefaultCapacity; i++ {
		pos, err := q.Enqueue(req(fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, i, pos)
		assert.Equal(t, i, q.Len())
	}

	before := q.Snapshot()
	_, err := q.Enqueue(req("overflow"))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, DefaultCapacity, q.Len())
	assert.Equal(t, before, q.Snapshot(), "failed enqueue must not mutate state")
}

func TestDequeue_EmptyIsIdempotent(t *testing.T) {
	q := New(3)

	for i := 0; i < 3; i++ {
		q.Dequeue()
		_, ok := q.Current()
		assert.False(t, ok)
		assert.Equal(t, 0, q.Len())
	}
}

func TestDequeue_PromotesOldest(t *testing.T) {
	q := New(3)
	a, b := req("a"), req("b")

	_, err := q.Enqueue(a)
	require.NoError(t, err)
	_, err = q.Enqueue(b)
	require.NoError(t, err)

	q.Dequeue()

	cur, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, a, cur)

	snap := q.Snapshot()
	assert.Equal(t, []Request{b}, snap.Pending)
	assert.Equal(t, 1, q.Len())
}

func TestDequeue_DrainClearsCurrent(t *testing.T) {
	q := New(2)
	_, err := q.Enqueue(req("a"))
	require.NoError(t, err)

	q.Dequeue()
	_, ok := q.Current()
	require.True(t, ok)

	q.Dequeue()
	_, ok = q.Current()
	assert.False(t, ok)
}

func TestDequeue_FreesSlot(t *testing.T) {
	q := New(2)
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(req(id))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(req("c"))
	require.ErrorIs(t, err, ErrFull)

	q.Dequeue()

	pos, err := q.Enqueue(req("c"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, []Request{req("b"), req("c")}, q.Snapshot().Pending)
}

func TestDuplicatesAllowed(t *testing.T) {
	q := New(3)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(req("same"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.Len())
}

func TestClearCurrent(t *testing.T) {
	q := New(2)
	_, _ = q.Enqueue(req("a"))
	_, _ = q.Enqueue(req("b"))
	q.Dequeue()

	q.ClearCurrent()

	_, ok := q.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestSnapshot_IsACopy(t *testing.T) {
	q := New(2)
	_, _ = q.Enqueue(req("a"))
	q.Dequeue()

	snap := q.Snapshot()
	snap.Current.Title = "mutated"

	cur, _ := q.Current()
	assert.Equal(t, "title a", cur.Title)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := New(DefaultCapacity)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = q.Enqueue(req(fmt.Sprint(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			q.Dequeue()
		}
	}()
	wg.Wait()

	n := q.Len()
	assert.GreaterOrEqual(t, n, 0)
	assert.LessOrEqual(t, n, DefaultCapacity)
	assert.Len(t, q.Snapshot().Pending, n)
}
