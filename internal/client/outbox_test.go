package client

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	o, err := NewOutbox("", 3, testutil.TestLogger(t))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, evicted := o.Enqueue(Entry{CorrelationId: fmt.Sprintf("corr-%d", i)})
		assert.False(t, evicted, "expected no eviction below capacity")
	}

	dropped, evicted := o.Enqueue(Entry{CorrelationId: "corr-4"})
	require.True(t, evicted, "expected the overflowing enqueue to report the eviction")
	assert.Equal(t, "corr-1", dropped.CorrelationId, "expected the oldest entry evicted")

	entries := o.Entries()
	require.Len(t, entries, 3, "expected outbox capped at capacity")
	assert.Equal(t, "corr-2", entries[0].CorrelationId, "expected oldest entry dropped")
	assert.Equal(t, "corr-4", entries[2].CorrelationId, "expected newest entry kept")
}

func TestOutboxDequeueOrder(t *testing.T) {
	o, err := NewOutbox("", 10, testutil.TestLogger(t))
	require.NoError(t, err)

	for i := 1; i <= 7; i++ {
		o.Enqueue(Entry{CorrelationId: fmt.Sprintf("corr-%d", i)})
	}

	batch := o.Dequeue(5)
	require.Len(t, batch, 5, "expected a full batch")
	assert.Equal(t, "corr-1", batch[0].CorrelationId, "expected dequeue in enqueue order")
	assert.Equal(t, "corr-5", batch[4].CorrelationId)

	batch = o.Dequeue(5)
	require.Len(t, batch, 2, "expected remaining entries")
	assert.Equal(t, "corr-6", batch[0].CorrelationId)
	assert.Nil(t, o.Dequeue(5), "expected empty outbox to return nil")
}

func TestOutboxRequeuePreservesOrder(t *testing.T) {
	o, err := NewOutbox("", 10, testutil.TestLogger(t))
	require.NoError(t, err)

	o.Enqueue(Entry{CorrelationId: "corr-3"})
	o.Requeue([]Entry{{CorrelationId: "corr-1"}, {CorrelationId: "corr-2"}})

	entries := o.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "corr-1", entries[0].CorrelationId, "expected requeued entries at the front in order")
	assert.Equal(t, "corr-2", entries[1].CorrelationId)
	assert.Equal(t, "corr-3", entries[2].CorrelationId)
}

func TestOutboxSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")

	o, err := NewOutbox(path, 10, testutil.TestLogger(t))
	require.NoError(t, err)
	o.Enqueue(Entry{CorrelationId: "corr-1", RoomId: "room-1", Content: "first"})
	o.Enqueue(Entry{CorrelationId: "corr-2", RoomId: "room-1", Content: "second"})

	reloaded, err := NewOutbox(path, 10, testutil.TestLogger(t))
	require.NoError(t, err, "expected reload to succeed")

	entries := reloaded.Entries()
	require.Len(t, entries, 2, "expected entries restored from disk")
	assert.Equal(t, "corr-1", entries[0].CorrelationId, "expected original order preserved")
	assert.Equal(t, "second", entries[1].Content)
}

func TestOutboxMissingFileIsEmpty(t *testing.T) {
	o, err := NewOutbox(filepath.Join(t.TempDir(), "missing.json"), 10, testutil.TestLogger(t))
	require.NoError(t, err, "expected a missing file to yield an empty outbox")
	assert.Zero(t, o.Len())
}
