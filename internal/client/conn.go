package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/retry"
	"github.com/npezzotti/go-chatrelay/internal/server"
)

const (
	defaultDisconnectedAfter = 10 * time.Second
	defaultWatchdogInterval  = 10 * time.Second
	eventBufferSize          = 256
)

var ErrNotConnected = errors.New("not connected")

type Status int

const (
	StatusDisconnected Status = iota
	StatusReconnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Source records what drove the last transition: a user action, the
// automatic reconnect loop, or neither (initial state).
type Source string

const (
	SourceNone      Source = "none"
	SourceAutomatic Source = "automatic"
	SourceManual    Source = "manual"
)

type ConnectionState struct {
	Status Status
	Source Source
	Since  time.Time
}

// Conn is the subset of the websocket connection the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	header http.Header
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, d.header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func NewDialer(header http.Header) Dialer {
	return &wsDialer{header: header}
}

// Event is either a connection state change or a decoded server message,
// never both.
type Event struct {
	State   *ConnectionState
	Message *server.ServerMessage
}

type ConnectionManagerConfig struct {
	URL               string
	Dialer            Dialer
	Policy            retry.Policy
	DisconnectedAfter time.Duration
	WatchdogInterval  time.Duration
	// OnResync runs after every successful (re)connect, once tracked room
	// joins have been replayed. The app refetches authoritative state here.
	OnResync func()
	Logger   *log.Logger
}

// ConnectionManager owns the single websocket connection: it dials, watches
// for failures, reconnects with backoff and replays room joins so the rest
// of the client only ever sees a logical session.
type ConnectionManager struct {
	url               string
	dialer            Dialer
	policy            retry.Policy
	disconnectedAfter time.Duration
	watchdogInterval  time.Duration
	onResync          func()
	log               *log.Logger

	events chan Event

	mu           sync.Mutex
	state        ConnectionState
	conn         Conn
	rooms        map[string]struct{}
	failingSince time.Time
	manualKick   bool

	writeMu sync.Mutex

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer(nil)
	}
	if len(cfg.Policy.Schedule) == 0 {
		cfg.Policy = retry.Reconnect()
	}
	if cfg.DisconnectedAfter <= 0 {
		cfg.DisconnectedAfter = defaultDisconnectedAfter
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &ConnectionManager{
		url:               cfg.URL,
		dialer:            cfg.Dialer,
		policy:            cfg.Policy,
		disconnectedAfter: cfg.DisconnectedAfter,
		watchdogInterval:  cfg.WatchdogInterval,
		onResync:          cfg.OnResync,
		log:               cfg.Logger,
		events:            make(chan Event, eventBufferSize),
		state:             ConnectionState{Status: StatusDisconnected, Source: SourceNone, Since: time.Now()},
		rooms:             make(map[string]struct{}),
		kick:              make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
}

func (cm *ConnectionManager) Events() <-chan Event {
	return cm.events
}

// State returns a snapshot; the run loop owns the authoritative value.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Run drives the connect/read/reconnect cycle until Stop. The loop never
// gives up: every dial failure schedules another attempt.
func (cm *ConnectionManager) Run() {
	watchdog := time.NewTicker(cm.watchdogInterval)
	defer watchdog.Stop()

	attempt := 0
	for {
		select {
		case <-cm.stop:
			return
		default:
		}

		source := cm.takeSource()
		conn, err := cm.dialer.Dial(context.Background(), cm.url)
		if err != nil {
			attempt++
			cm.log.Printf("dial %s: %v", cm.url, err)
			cm.classifyFailure(source)
			if !cm.waitBackoff(attempt, watchdog.C) {
				return
			}
			continue
		}

		attempt = 0
		cm.mu.Lock()
		cm.conn = conn
		cm.failingSince = time.Time{}
		cm.mu.Unlock()
		cm.setState(StatusConnected, source)

		cm.replayJoins()
		if cm.onResync != nil {
			cm.onResync()
		}

		cm.readLoop(conn)

		cm.mu.Lock()
		cm.conn = nil
		cm.mu.Unlock()

		select {
		case <-cm.stop:
			return
		default:
		}
		cm.setState(StatusReconnecting, SourceAutomatic)
	}
}

// takeSource consumes a pending manual kick, if any.
func (cm *ConnectionManager) takeSource() Source {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.manualKick {
		cm.manualKick = false
		return SourceManual
	}
	return SourceAutomatic
}

// classifyFailure decides between Reconnecting and Disconnected based on
// how long dials have been failing continuously.
func (cm *ConnectionManager) classifyFailure(source Source) {
	cm.mu.Lock()
	if cm.failingSince.IsZero() {
		cm.failingSince = time.Now()
	}
	exceeded := time.Since(cm.failingSince) >= cm.disconnectedAfter
	cm.mu.Unlock()

	if exceeded {
		cm.setState(StatusDisconnected, source)
	} else {
		cm.setState(StatusReconnecting, source)
	}
}

// waitBackoff sleeps for the policy delay, cut short by a manual kick or a
// watchdog tick that finds us Disconnected. Returns false when stopping.
func (cm *ConnectionManager) waitBackoff(attempt int, watchdog <-chan time.Time) bool {
	timer := time.NewTimer(cm.policy.Backoff(attempt))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-cm.kick:
			cm.mu.Lock()
			cm.manualKick = true
			cm.mu.Unlock()
			return true
		case <-watchdog:
			if cm.State().Status == StatusDisconnected {
				cm.log.Println("watchdog forcing reconnect attempt")
				return true
			}
		case <-cm.stop:
			return false
		}
	}
}

func (cm *ConnectionManager) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			cm.log.Printf("ws read: %v", err)
			conn.Close()
			return
		}

		var msg server.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			cm.log.Println("error parsing server message:", err)
			continue
		}
		cm.emit(Event{Message: &msg})
	}
}

func (cm *ConnectionManager) setState(status Status, source Source) {
	cm.mu.Lock()
	if cm.state.Status == status && cm.state.Source == source {
		cm.mu.Unlock()
		return
	}
	cm.state = ConnectionState{Status: status, Source: source, Since: time.Now()}
	st := cm.state
	cm.mu.Unlock()

	cm.emit(Event{State: &st})
}

func (cm *ConnectionManager) emit(ev Event) {
	select {
	case cm.events <- ev:
	default:
		cm.log.Println("event channel full, dropping event")
	}
}

// Kick triggers a manual reconnect attempt: it interrupts any backoff wait
// and drops the current connection so the loop redials.
func (cm *ConnectionManager) Kick() {
	cm.mu.Lock()
	cm.manualKick = true
	conn := cm.conn
	cm.mu.Unlock()

	if conn != nil {
		conn.Close()
		return
	}

	select {
	case cm.kick <- struct{}{}:
	default:
	}
}

func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stop)
	})

	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send marshals and writes a message on the current connection.
func (cm *ConnectionManager) Send(msg *server.ClientMessage) error {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Join subscribes to a room and tracks it so the join is replayed after
// every reconnect.
func (cm *ConnectionManager) Join(roomId string) error {
	cm.mu.Lock()
	cm.rooms[roomId] = struct{}{}
	cm.mu.Unlock()

	return cm.Send(&server.ClientMessage{
		Join: &server.Join{RoomId: roomId},
	})
}

func (cm *ConnectionManager) Leave(roomId string, unsubscribe bool) error {
	cm.mu.Lock()
	delete(cm.rooms, roomId)
	cm.mu.Unlock()

	return cm.Send(&server.ClientMessage{
		Leave: &server.Leave{RoomId: roomId, Unsubscribe: unsubscribe},
	})
}

// Joined reports whether the room is currently tracked.
func (cm *ConnectionManager) Joined(roomId string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.rooms[roomId]
	return ok
}

func (cm *ConnectionManager) replayJoins() {
	cm.mu.Lock()
	rooms := make([]string, 0, len(cm.rooms))
	for roomId := range cm.rooms {
		rooms = append(rooms, roomId)
	}
	cm.mu.Unlock()

	for _, roomId := range rooms {
		if err := cm.Send(&server.ClientMessage{Join: &server.Join{RoomId: roomId}}); err != nil {
			cm.log.Printf("replay join %q: %v", roomId, err)
		}
	}
}

// Publish sends one publish attempt. The id correlates the server's
// Response with the attempt.
func (cm *ConnectionManager) Publish(id int, roomId, content, correlationId string) error {
	return cm.Send(&server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: id},
		Publish: &server.Publish{
			RoomId:        roomId,
			Content:       content,
			CorrelationId: correlationId,
		},
	})
}

// MarkRead sends a batched read mark for the room.
func (cm *ConnectionManager) MarkRead(roomId string, messageIds []int64) error {
	return cm.Send(&server.ClientMessage{
		Read: &server.Read{RoomId: roomId, MessageIds: messageIds},
	})
}
