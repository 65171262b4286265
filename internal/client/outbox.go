package client

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const defaultOutboxCapacity = 50

// Entry is one queued send. Entries survive restarts via the outbox file.
type Entry struct {
	CorrelationId string    `json:"correlation_id"`
	RoomId        string    `json:"room_id"`
	Content       string    `json:"content"`
	QueuedAt      time.Time `json:"queued_at"`
}

// Outbox is a bounded FIFO of unsent messages. When full, the oldest entry
// is dropped so a long outage keeps the most recent sends. An empty path
// disables persistence.
type Outbox struct {
	mu       sync.Mutex
	path     string
	capacity int
	entries  []Entry
	log      *log.Logger
}

func NewOutbox(path string, capacity int, logger *log.Logger) (*Outbox, error) {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	if logger == nil {
		logger = log.Default()
	}

	o := &Outbox{
		path:     path,
		capacity: capacity,
		log:      logger,
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) load() error {
	if o.path == "" {
		return nil
	}

	data, err := os.ReadFile(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read outbox: %w", err)
	}

	if err := json.Unmarshal(data, &o.entries); err != nil {
		return fmt.Errorf("parse outbox: %w", err)
	}
	return nil
}

// persist writes the queue atomically: temp file then rename, so a crash
// mid-write never truncates the previous state.
func (o *Outbox) persist() {
	if o.path == "" {
		return
	}

	data, err := json.Marshal(o.entries)
	if err != nil {
		o.log.Println("marshal outbox:", err)
		return
	}

	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		o.log.Println("write outbox:", err)
		return
	}
	if err := os.Rename(tmp, o.path); err != nil {
		o.log.Println("rename outbox:", err)
	}
}

// Enqueue appends an entry, evicting the oldest when at capacity. The
// evicted entry, if any, is returned so the caller can surface the loss.
func (o *Outbox) Enqueue(e Entry) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var dropped Entry
	var evicted bool
	if len(o.entries) >= o.capacity {
		dropped = o.entries[0]
		evicted = true
		o.entries = o.entries[1:]
		o.log.Printf("outbox full, dropping oldest entry %s", dropped.CorrelationId)
	}
	o.entries = append(o.entries, e)
	o.persist()
	return dropped, evicted
}

// Dequeue pops up to n entries from the front in queue order.
func (o *Outbox) Dequeue(n int) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n > len(o.entries) {
		n = len(o.entries)
	}
	if n == 0 {
		return nil
	}

	batch := make([]Entry, n)
	copy(batch, o.entries[:n])
	o.entries = o.entries[n:]
	o.persist()
	return batch
}

// Requeue puts failed entries back at the front, preserving their order.
// Entries evicted to stay within capacity are returned, oldest first.
func (o *Outbox) Requeue(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.entries = append(append([]Entry{}, entries...), o.entries...)
	var dropped []Entry
	if excess := len(o.entries) - o.capacity; excess > 0 {
		dropped = append(dropped, o.entries[:excess]...)
		o.entries = o.entries[excess:]
	}
	o.persist()
	return dropped
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries := make([]Entry, len(o.entries))
	copy(entries, o.entries)
	return entries
}
