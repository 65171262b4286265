package client

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// historyPage builds a newest-first page of n messages ending just before base.
func historyPage(base time.Time, startId int64, n int) []types.Message {
	msgs := make([]types.Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = types.Message{
			Id:        startId - int64(i),
			RoomId:    "room-1",
			CreatedAt: base.Add(-time.Duration(i+1) * time.Minute),
		}
	}
	return msgs
}

func TestPagerLoadsOlderPages(t *testing.T) {
	base := time.Now().UTC().Round(time.Millisecond)

	var gotBefore []time.Time
	fetch := func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error) {
		gotBefore = append(gotBefore, before)
		if before.IsZero() {
			return historyPage(base, 100, 3), nil
		}
		return historyPage(before, 50, 3), nil
	}

	p := NewPager("room-1", 3, fetch, testutil.TestLogger(t))

	page, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, gotBefore[0].IsZero(), "expected first fetch without an upper bound")
	assert.True(t, page[0].CreatedAt.Before(page[2].CreatedAt), "expected page returned oldest first")

	_, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Len(t, gotBefore, 2)
	assert.Equal(t, base.Add(-3*time.Minute), gotBefore[1],
		"expected the cursor to be the oldest loaded timestamp")
	assert.False(t, p.Exhausted(), "expected full pages to keep paging open")
}

func TestPagerExhaustion(t *testing.T) {
	base := time.Now()
	calls := 0
	fetch := func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error) {
		calls++
		return historyPage(base, 10, 2), nil
	}

	p := NewPager("room-1", 5, fetch, testutil.TestLogger(t))

	page, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Len(t, page, 2, "expected the short page returned")
	assert.True(t, p.Exhausted(), "expected a short page to mark history exhausted")

	page, err = p.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page, "expected no further pages once exhausted")
	assert.Equal(t, 1, calls, "expected no fetch after exhaustion")
}

func TestPagerMonotonicityGuard(t *testing.T) {
	base := time.Now()
	pages := [][]types.Message{
		historyPage(base, 10, 2),
		// second page is NOT older than the first: cursor must not move
		historyPage(base.Add(time.Hour), 20, 2),
	}
	calls := 0
	fetch := func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error) {
		page := pages[calls]
		calls++
		return page, nil
	}

	p := NewPager("room-1", 2, fetch, testutil.TestLogger(t))

	_, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	oldest := p.oldest

	page, err := p.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page, "expected the non-advancing page to be discarded")
	assert.Equal(t, oldest, p.oldest, "expected the cursor to stay put")
}

func TestPagerSingleInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error) {
		close(started)
		<-release
		return nil, nil
	}

	p := NewPager("room-1", 2, fetch, testutil.TestLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := p.LoadOlder(context.Background())
		done <- err
	}()

	<-started
	_, err := p.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrPageInFlight, "expected concurrent load to be rejected")

	close(release)
	assert.NoError(t, <-done)
}

func TestPagerResetDiscardsStaleResponse(t *testing.T) {
	base := time.Now()
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error) {
		close(started)
		<-release
		return historyPage(base, 10, 2), nil
	}

	p := NewPager("room-1", 2, fetch, testutil.TestLogger(t))

	done := make(chan []types.Message, 1)
	go func() {
		page, _ := p.LoadOlder(context.Background())
		done <- page
	}()

	<-started
	p.Reset()
	close(release)

	assert.Nil(t, <-done, "expected the response from before Reset to be discarded")
	assert.True(t, p.oldest.IsZero(), "expected the cursor cleared by Reset")
	assert.False(t, p.Exhausted(), "expected exhaustion cleared by Reset")
}
