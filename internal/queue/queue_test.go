package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainReady(t *testing.T, q *Queue) string {
	t.Helper()
	select {
	case id := <-q.Ready():
		return id
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
		return ""
	}
}

func TestEnqueueEmitsReadyInOrder(t *testing.T) {
	q := New(10, 1)
	require.NoError(t, q.Enqueue("wo-1"))
	require.NoError(t, q.Enqueue("wo-2"))

	assert.Equal(t, "wo-1", drainReady(t, q))
	require.NoError(t, q.MarkStarted("wo-1"))
	assert.Equal(t, 1, q.RunningCount())

	// wo-2 only becomes ready after the slot frees.
	select {
	case id := <-q.Ready():
		t.Fatalf("unexpected ready for %s while slot is held", id)
	case <-time.After(50 * time.Millisecond):
	}
	q.MarkFinished("wo-1")
	assert.Equal(t, "wo-2", drainReady(t, q))
}

func TestEnqueueRejectsDuplicatesAndOverflow(t *testing.T) {
	q := New(2, 1)
	require.NoError(t, q.Enqueue("wo-1"))
	assert.Error(t, q.Enqueue("wo-1"))

	require.NoError(t, q.Enqueue("wo-2"))
	assert.Error(t, q.Enqueue("wo-3"), "queue is full")
}

func TestMarkStartedRequiresWaitingAndCapacity(t *testing.T) {
	q := New(10, 1)
	assert.Error(t, q.MarkStarted("never-queued"))

	require.NoError(t, q.Enqueue("wo-1"))
	require.NoError(t, q.Enqueue("wo-2"))
	require.NoError(t, q.MarkStarted("wo-1"))
	assert.Error(t, q.MarkStarted("wo-2"), "no free slot")
}

func TestForceCancel(t *testing.T) {
	q := New(10, 2)
	require.NoError(t, q.Enqueue("wo-1"))
	require.NoError(t, q.Enqueue("wo-2"))
	drainReady(t, q)
	require.NoError(t, q.MarkStarted("wo-1"))

	res := q.ForceCancel("wo-1")
	assert.False(t, res.FromQueue)
	assert.True(t, res.FromRunning)

	res = q.ForceCancel("wo-2")
	assert.True(t, res.FromQueue)
	assert.False(t, res.FromRunning)

	res = q.ForceCancel("wo-unknown")
	assert.False(t, res.FromQueue)
	assert.False(t, res.FromRunning)
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, 0, q.RunningCount())
}

func TestConcurrencyCap(t *testing.T) {
	q := New(10, 2)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(id))
	}
	assert.Equal(t, "a", drainReady(t, q))
	assert.Equal(t, "b", drainReady(t, q))
	require.NoError(t, q.MarkStarted("a"))
	require.NoError(t, q.MarkStarted("b"))

	select {
	case id := <-q.Ready():
		t.Fatalf("ready %s emitted beyond the concurrency cap", id)
	case <-time.After(50 * time.Millisecond):
	}

	q.MarkFinished("a")
	assert.Equal(t, "c", drainReady(t, q))
}
