package client

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	defaultAckTimeout  = 30 * time.Second
	defaultMaxAttempts = 3
	flushBatchSize     = 5
)

var (
	ErrUnknownRecord = errors.New("unknown record")
	ErrNotFailed     = errors.New("record is not failed")
)

type RecordState int

const (
	RecordPending RecordState = iota
	RecordDelivered
	RecordFailed
)

func (s RecordState) String() string {
	switch s {
	case RecordDelivered:
		return "delivered"
	case RecordFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Record is the sender-side view of one message lineage: the optimistic
// entry created at Send time, reconciled in place once the server confirms.
type Record struct {
	CorrelationId string
	RoomId        string
	Content       string
	State         RecordState
	ServerId      int64
	CreatedAt     time.Time
	LocalAt       time.Time
	Attempts      int
}

// PublishSender sends one publish attempt on the wire.
type PublishSender interface {
	Publish(id int, roomId, content, correlationId string) error
}

type pendingAck struct {
	attempts    int
	firstSentAt time.Time
	timer       *time.Timer
}

type CoordinatorConfig struct {
	Sender PublishSender
	// Ready gates immediate sends: identity established, room joined and
	// connection up. Nil means always ready.
	Ready       func(roomId string) bool
	Outbox      *Outbox
	AckTimeout  time.Duration
	MaxAttempts int
	// OnUpdate is invoked with a record snapshot whenever its state
	// changes, for rendering.
	OnUpdate func(Record)
	Logger   *log.Logger
}

// Coordinator guarantees at-least-once handoff of sends to the server:
// every Send either transmits immediately or lands in the outbox, unacked
// attempts are resent on a timer, and echoes are deduplicated by
// correlation id so at most one final record exists per lineage.
type Coordinator struct {
	sender      PublishSender
	ready       func(roomId string) bool
	outbox      *Outbox
	ackTimeout  time.Duration
	maxAttempts int
	onUpdate    func(Record)
	log         *log.Logger

	newId func() string
	now   func() time.Time

	mu            sync.Mutex
	records       map[string]*Record
	order         []string
	pending       map[string]*pendingAck
	reqIds        map[int]string
	seenServerIds map[int64]string
	nextReqId     int
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Outbox == nil {
		cfg.Outbox, _ = NewOutbox("", 0, cfg.Logger)
	}

	return &Coordinator{
		sender:        cfg.Sender,
		ready:         cfg.Ready,
		outbox:        cfg.Outbox,
		ackTimeout:    cfg.AckTimeout,
		maxAttempts:   cfg.MaxAttempts,
		onUpdate:      cfg.OnUpdate,
		log:           cfg.Logger,
		newId:         uuid.NewString,
		now:           time.Now,
		records:       make(map[string]*Record),
		pending:       make(map[string]*pendingAck),
		reqIds:        make(map[int]string),
		seenServerIds: make(map[int64]string),
	}
}

// Send creates the message lineage: a fresh correlation id and an
// optimistic pending record. It transmits immediately when the room is
// ready, otherwise the send waits in the outbox.
func (c *Coordinator) Send(roomId, content string) (string, error) {
	if content == "" {
		return "", errors.New("empty content")
	}

	corrId := c.newId()

	c.mu.Lock()
	rec := &Record{
		CorrelationId: corrId,
		RoomId:        roomId,
		Content:       content,
		State:         RecordPending,
		LocalAt:       c.now(),
	}
	c.records[corrId] = rec
	c.order = append(c.order, corrId)

	if c.isReady(roomId) {
		c.transmitLocked(corrId)
		c.mu.Unlock()
	} else {
		c.mu.Unlock()
		c.enqueue(Entry{
			CorrelationId: corrId,
			RoomId:        roomId,
			Content:       content,
			QueuedAt:      rec.LocalAt,
		})
	}

	return corrId, nil
}

// enqueue parks a send in the outbox. A send evicted by the capacity cap
// is failed so it stays visible with a retry affordance instead of
// vanishing.
func (c *Coordinator) enqueue(e Entry) {
	if dropped, ok := c.outbox.Enqueue(e); ok {
		c.failEvicted([]Entry{dropped})
	}
}

// failEvicted marks sends the outbox evicted at capacity as failed,
// rebuilding the record first for entries that predate this process.
func (c *Coordinator) failEvicted(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if _, ok := c.records[e.CorrelationId]; !ok {
			c.records[e.CorrelationId] = &Record{
				CorrelationId: e.CorrelationId,
				RoomId:        e.RoomId,
				Content:       e.Content,
				State:         RecordPending,
				LocalAt:       e.QueuedAt,
			}
			c.order = append(c.order, e.CorrelationId)
		}
		c.failLocked(e.CorrelationId)
	}
}

func (c *Coordinator) isReady(roomId string) bool {
	return c.ready == nil || c.ready(roomId)
}

// transmitLocked sends one attempt and arms the ack timer, replacing any
// prior timer for the correlation id.
func (c *Coordinator) transmitLocked(corrId string) {
	rec, ok := c.records[corrId]
	if !ok {
		return
	}

	p, ok := c.pending[corrId]
	if !ok {
		p = &pendingAck{firstSentAt: c.now()}
		c.pending[corrId] = p
	}
	p.attempts++
	rec.Attempts = p.attempts

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(c.ackTimeout, func() {
		c.handleAckTimeout(corrId)
	})

	c.nextReqId++
	reqId := c.nextReqId
	c.reqIds[reqId] = corrId

	if err := c.sender.Publish(reqId, rec.RoomId, rec.Content, corrId); err != nil {
		// the armed timer drives the resend
		c.log.Printf("publish %s attempt %d: %v", corrId, p.attempts, err)
	}
}

func (c *Coordinator) handleAckTimeout(corrId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[corrId]
	if !ok {
		return
	}

	if p.attempts >= c.maxAttempts {
		c.log.Printf("no ack for %s after %d attempts", corrId, p.attempts)
		c.failLocked(corrId)
		return
	}

	c.log.Printf("ack timeout for %s, resending (attempt %d)", corrId, p.attempts+1)
	c.transmitLocked(corrId)
}

// HandleResponse processes the server's Response to a publish attempt. An
// accepted response resolves the lineage; any rejection fails it
// immediately — resending a request the server already refused cannot
// succeed, so the decision goes to the user.
func (c *Coordinator) HandleResponse(msg *server.ServerMessage) {
	if msg.Response == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	corrId, ok := c.reqIds[msg.Id]
	if !ok {
		// the request id mapping is lost across restarts; the accepted
		// response still identifies the lineage
		corrId, ok = dataString(msg.Response.Data, "correlation_id")
		if !ok {
			return
		}
	}
	delete(c.reqIds, msg.Id)

	switch msg.Response.ResponseCode {
	case http.StatusAccepted:
		serverId := dataInt64(msg.Response.Data, "message_id")
		createdAt := dataTime(msg.Response.Data, "created_at")
		c.resolveLocked(corrId, serverId, createdAt)
	case http.StatusTooManyRequests:
		c.log.Printf("send %s rate limited", corrId)
		c.failLocked(corrId)
	default:
		c.log.Printf("send %s rejected: %d %s", corrId, msg.Response.ResponseCode, msg.Response.Error)
		c.failLocked(corrId)
	}
}

// HandleEcho reconciles a fanned-out message against local records. It
// returns true when the message belongs to a lineage this coordinator owns
// or duplicates one already reconciled; callers append the message to their
// timeline only when it returns false.
func (c *Coordinator) HandleEcho(msg *types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.CorrelationId != "" {
		if _, ok := c.records[msg.CorrelationId]; ok {
			c.resolveLocked(msg.CorrelationId, msg.Id, msg.CreatedAt)
			return true
		}
	}

	// resend echoes carry the same server id as the original
	if _, ok := c.seenServerIds[msg.Id]; ok {
		return true
	}
	return false
}

// resolveLocked marks the lineage delivered. Safe to call more than once:
// the ack and the echo can both arrive.
func (c *Coordinator) resolveLocked(corrId string, serverId int64, createdAt time.Time) {
	rec, ok := c.records[corrId]
	if !ok {
		return
	}

	c.clearPendingLocked(corrId)

	if rec.State == RecordDelivered {
		return
	}

	rec.State = RecordDelivered
	rec.ServerId = serverId
	if !createdAt.IsZero() {
		rec.CreatedAt = createdAt
	}
	if serverId != 0 {
		c.seenServerIds[serverId] = corrId
	}
	c.notifyLocked(rec)
}

func (c *Coordinator) failLocked(corrId string) {
	rec, ok := c.records[corrId]
	if !ok {
		return
	}

	c.clearPendingLocked(corrId)

	if rec.State != RecordPending {
		return
	}
	rec.State = RecordFailed
	c.notifyLocked(rec)
}

// Retry restarts a failed lineage with a fresh attempt budget. The
// correlation id is reused so the server still deduplicates.
func (c *Coordinator) Retry(corrId string) error {
	c.mu.Lock()

	rec, ok := c.records[corrId]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRecord
	}
	if rec.State != RecordFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}

	rec.State = RecordPending
	rec.Attempts = 0
	c.notifyLocked(rec)

	if c.isReady(rec.RoomId) {
		c.transmitLocked(corrId)
		c.mu.Unlock()
		return nil
	}

	c.mu.Unlock()
	c.enqueue(Entry{
		CorrelationId: corrId,
		RoomId:        rec.RoomId,
		Content:       rec.Content,
		QueuedAt:      c.now(),
	})
	return nil
}

// Flush drains the outbox in batches once sends can go out. Entries whose
// room is still not ready are re-queued in order and the drain stops.
func (c *Coordinator) Flush() {
	for {
		batch := c.outbox.Dequeue(flushBatchSize)
		if len(batch) == 0 {
			return
		}

		var requeue []Entry
		for _, e := range batch {
			if !c.isReady(e.RoomId) {
				requeue = append(requeue, e)
				continue
			}

			c.mu.Lock()
			if _, ok := c.records[e.CorrelationId]; !ok {
				// entry restored from disk after a restart
				c.records[e.CorrelationId] = &Record{
					CorrelationId: e.CorrelationId,
					RoomId:        e.RoomId,
					Content:       e.Content,
					State:         RecordPending,
					LocalAt:       e.QueuedAt,
				}
				c.order = append(c.order, e.CorrelationId)
			}
			c.transmitLocked(e.CorrelationId)
			c.mu.Unlock()
		}

		if len(requeue) > 0 {
			if dropped := c.outbox.Requeue(requeue); len(dropped) > 0 {
				c.failEvicted(dropped)
			}
			return
		}
	}
}

// Records returns snapshots in creation order, the order they render in.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]Record, 0, len(c.order))
	for _, corrId := range c.order {
		records = append(records, *c.records[corrId])
	}
	return records
}

func (c *Coordinator) Record(corrId string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[corrId]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Close stops all pending ack timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for corrId, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, corrId)
	}
}

// clearPendingLocked stops the ack timer and drops any request id mapped
// to the correlation id.
func (c *Coordinator) clearPendingLocked(corrId string) {
	if p, ok := c.pending[corrId]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, corrId)
	}

	for reqId, id := range c.reqIds {
		if id == corrId {
			delete(c.reqIds, reqId)
		}
	}
}

func (c *Coordinator) notifyLocked(rec *Record) {
	if c.onUpdate != nil {
		c.onUpdate(*rec)
	}
}

func dataString(data map[string]any, key string) (string, bool) {
	s, ok := data[key].(string)
	return s, ok
}

func dataInt64(data map[string]any, key string) int64 {
	switch n := data[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func dataTime(data map[string]any, key string) time.Time {
	switch t := data[key].(type) {
	case time.Time:
		return t
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	}
	return time.Time{}
}
