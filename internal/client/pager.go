package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const defaultPageSize = 25

// ErrPageInFlight means a LoadOlder call is already running for the room.
var ErrPageInFlight = errors.New("page request already in flight")

// FetchFunc retrieves up to limit messages strictly older than before,
// newest first. A zero before means the newest page.
type FetchFunc func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error)

// Pager walks a room's history backwards one page at a time. The cursor is
// the oldest loaded timestamp; it only ever moves further into the past, so
// a page can never re-include messages already on screen.
type Pager struct {
	roomId string
	limit  int
	fetch  FetchFunc
	log    *log.Logger

	mu        sync.Mutex
	oldest    time.Time
	token     int
	inFlight  bool
	exhausted bool
}

func NewPager(roomId string, limit int, fetch FetchFunc, logger *log.Logger) *Pager {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Pager{
		roomId: roomId,
		limit:  limit,
		fetch:  fetch,
		log:    logger,
	}
}

// LoadOlder fetches the next page into the past and returns it oldest
// first, ready to prepend. It returns nil once history is exhausted, and
// ErrPageInFlight while a previous call is still running.
func (p *Pager) LoadOlder(ctx context.Context) ([]types.Message, error) {
	p.mu.Lock()
	if p.exhausted {
		p.mu.Unlock()
		return nil, nil
	}
	if p.inFlight {
		p.mu.Unlock()
		return nil, ErrPageInFlight
	}
	p.inFlight = true
	p.token++
	token := p.token
	before := p.oldest
	p.mu.Unlock()

	msgs, err := p.fetch(ctx, p.roomId, before, p.limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false

	if token != p.token {
		// the pager was reset while the request was running
		p.log.Printf("discarding stale history page for room %q", p.roomId)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(msgs) < p.limit {
		p.exhausted = true
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// response is newest first; its last entry is the page's oldest
	newOldest := msgs[len(msgs)-1].CreatedAt
	if !p.oldest.IsZero() && !newOldest.Before(p.oldest) {
		p.log.Printf("history page for room %q does not advance the cursor (%s >= %s), discarding",
			p.roomId, newOldest, p.oldest)
		return nil, nil
	}
	p.oldest = newOldest

	page := make([]types.Message, len(msgs))
	for i, m := range msgs {
		page[len(msgs)-1-i] = m
	}
	return page, nil
}

// Exhausted reports whether the room's history has been fully paged.
func (p *Pager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Reset clears the cursor, e.g. on room switch or after a resync. Any
// in-flight response is discarded via the token.
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token++
	p.oldest = time.Time{}
	p.exhausted = false
	p.inFlight = false
}
