package client

import (
	"log"
	"slices"
	"sync"
	"time"
)

const (
	defaultVisibleThreshold = 0.6
	defaultReadDebounce     = 300 * time.Millisecond
)

type TrackerConfig struct {
	RoomId string
	// SelfId filters out the user's own messages.
	SelfId   int
	Debounce time.Duration
	// Threshold is the minimum visible ratio before a message counts as
	// seen.
	Threshold float64
	// Send delivers one batched read mark on the wire. A returned error
	// keeps the ids pending so the batch is retried after the debounce.
	Send   func(roomId string, messageIds []int64) error
	Logger *log.Logger
}

// Tracker batches read marks for one room. A message becomes eligible when
// enough of it is on screen while the app is visible and focused; eligible
// ids are debounced into a single wire call and never requested twice. The
// server-side merge is a set union, so a replayed mark after reconnect is
// harmless.
type Tracker struct {
	roomId    string
	selfId    int
	debounce  time.Duration
	threshold float64
	send      func(roomId string, messageIds []int64) error
	log       *log.Logger

	mu        sync.Mutex
	visible   bool
	focused   bool
	pending   map[int64]struct{}
	requested map[int64]struct{}
	timer     *time.Timer
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultReadDebounce
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultVisibleThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &Tracker{
		roomId:    cfg.RoomId,
		selfId:    cfg.SelfId,
		debounce:  cfg.Debounce,
		threshold: cfg.Threshold,
		send:      cfg.Send,
		log:       cfg.Logger,
		visible:   true,
		focused:   true,
		pending:   make(map[int64]struct{}),
		requested: make(map[int64]struct{}),
	}
}

// Observe records that a message is (partially) on screen. Ineligible
// observations are ignored: own messages, too little visible, app hidden
// or unfocused, or already requested.
func (t *Tracker) Observe(messageId int64, senderId int, visibleRatio float64) {
	if senderId == t.selfId || visibleRatio < t.threshold {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.visible || !t.focused {
		return
	}
	if _, ok := t.requested[messageId]; ok {
		return
	}
	if _, ok := t.pending[messageId]; ok {
		return
	}

	t.pending[messageId] = struct{}{}
	t.armLocked()
}

func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.visible = visible
	if visible && t.focused && len(t.pending) > 0 {
		t.armLocked()
	}
}

func (t *Tracker) SetFocused(focused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.focused = focused
	if focused && t.visible && len(t.pending) > 0 {
		t.armLocked()
	}
}

func (t *Tracker) armLocked() {
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.debounce, t.flush)
}

// flush sends every pending id in one batched call. Ids move to the
// requested set only once the send succeeds; a failed send leaves them
// pending and re-arms the timer so the marks go out after reconnect.
func (t *Tracker) flush() {
	t.mu.Lock()
	t.timer = nil

	if !t.visible || !t.focused || len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}

	ids := make([]int64, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	slices.Sort(ids)
	if err := t.send(t.roomId, ids); err != nil {
		t.log.Printf("marking %d messages read in room %q: %v", len(ids), t.roomId, err)
		t.mu.Lock()
		t.armLocked()
		t.mu.Unlock()
		return
	}
	t.log.Printf("marked %d messages read in room %q", len(ids), t.roomId)

	t.mu.Lock()
	for _, id := range ids {
		delete(t.pending, id)
		t.requested[id] = struct{}{}
	}
	if len(t.pending) > 0 {
		t.armLocked()
	}
	t.mu.Unlock()
}

// Stop cancels any armed debounce timer without flushing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
