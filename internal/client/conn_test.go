package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/retry"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentMessages(t *testing.T) []server.ClientMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]server.ClientMessage, len(c.written))
	for i, raw := range c.written {
		require.NoError(t, json.Unmarshal(raw, &msgs[i]))
	}
	return msgs
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	// failures is the number of dials to fail before succeeding
	failures int
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) > i {
			conn := d.conns[i]
			d.mu.Unlock()
			return conn
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for connection %d", i)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{Schedule: []time.Duration{time.Millisecond}, Ceiling: time.Millisecond}
}

func waitForStatus(t *testing.T, cm *ConnectionManager, status Status) ConnectionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := cm.State(); st.Status == status {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s, got %s", status, cm.State().Status)
	return ConnectionState{}
}

func drainEvents(cm *ConnectionManager) {
	go func() {
		for range cm.Events() {
		}
	}()
}

func TestConnectionManagerConnectsAndResyncs(t *testing.T) {
	dialer := &fakeDialer{}
	var resyncs int
	var resyncMu sync.Mutex

	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:    "ws://test/ws",
		Dialer: dialer,
		Policy: fastPolicy(),
		OnResync: func() {
			resyncMu.Lock()
			resyncs++
			resyncMu.Unlock()
		},
		Logger: testutil.TestLogger(t),
	})
	drainEvents(cm)

	// tracked before the first connect so the join is replayed on connect
	err := cm.Join("room-1")
	assert.ErrorIs(t, err, ErrNotConnected, "expected join before connect to only track the room")
	assert.True(t, cm.Joined("room-1"))

	go cm.Run()
	defer cm.Stop()

	waitForStatus(t, cm, StatusConnected)
	conn := dialer.conn(t, 0)

	waitFor(t, func() bool { return len(conn.sentMessages(t)) > 0 }, "expected the tracked join replayed on connect")
	sent := conn.sentMessages(t)
	require.NotNil(t, sent[0].Join, "expected a join message")
	assert.Equal(t, "room-1", sent[0].Join.RoomId)

	waitFor(t, func() bool {
		resyncMu.Lock()
		defer resyncMu.Unlock()
		return resyncs == 1
	}, "expected resync after connect")
}

func TestConnectionManagerReconnectsAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:    "ws://test/ws",
		Dialer: dialer,
		Policy: fastPolicy(),
		Logger: testutil.TestLogger(t),
	})
	drainEvents(cm)

	go cm.Run()
	defer cm.Stop()

	waitForStatus(t, cm, StatusConnected)
	cm.Join("room-1")

	// server drops the connection
	dialer.conn(t, 0).Close()

	second := dialer.conn(t, 1)
	waitFor(t, func() bool { return len(second.sentMessages(t)) > 0 },
		"expected the join replayed on the new connection")

	sent := second.sentMessages(t)
	require.NotNil(t, sent[0].Join, "expected a join message")
	assert.Equal(t, "room-1", sent[0].Join.RoomId)
}

func TestConnectionManagerClassifiesLongOutage(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30}
	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:               "ws://test/ws",
		Dialer:            dialer,
		Policy:            fastPolicy(),
		DisconnectedAfter: 30 * time.Millisecond,
		Logger:            testutil.TestLogger(t),
	})
	drainEvents(cm)

	go cm.Run()
	defer cm.Stop()

	// short failure window first
	waitForStatus(t, cm, StatusReconnecting)
	// continuous failure beyond the threshold
	waitForStatus(t, cm, StatusDisconnected)
}

func TestConnectionManagerKickInterruptsBackoff(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30}
	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:    "ws://test/ws",
		Dialer: dialer,
		Policy: retry.Policy{Schedule: []time.Duration{time.Hour}, Ceiling: time.Hour},
		Logger: testutil.TestLogger(t),
	})
	drainEvents(cm)

	go cm.Run()
	defer cm.Stop()

	waitFor(t, func() bool { return dialer.dialCount() == 1 }, "expected the initial dial")

	cm.Kick()
	waitFor(t, func() bool { return dialer.dialCount() >= 2 }, "expected kick to force a dial during backoff")
}

func TestConnectionManagerWatchdogForcesAttempt(t *testing.T) {
	// two quick failures push the state to Disconnected, then the ramp
	// runs out and the loop would sleep for the one-hour ceiling
	dialer := &fakeDialer{failures: 3}
	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:               "ws://test/ws",
		Dialer:            dialer,
		Policy:            retry.Policy{Schedule: []time.Duration{time.Millisecond, time.Millisecond}, Ceiling: time.Hour},
		DisconnectedAfter: time.Millisecond,
		WatchdogInterval:  10 * time.Millisecond,
		Logger:            testutil.TestLogger(t),
	})
	drainEvents(cm)

	go cm.Run()
	defer cm.Stop()

	// the watchdog cuts the ceiling wait short while Disconnected, so the
	// fourth dial happens well before the backoff timer would fire
	waitForStatus(t, cm, StatusConnected)
	assert.Equal(t, 4, dialer.dialCount(), "expected the watchdog to force the dial out of backoff")
}

func TestConnectionManagerEmitsServerMessages(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:    "ws://test/ws",
		Dialer: dialer,
		Policy: fastPolicy(),
		Logger: testutil.TestLogger(t),
	})

	go cm.Run()
	defer cm.Stop()

	conn := dialer.conn(t, 0)
	conn.in <- []byte(`{"message":{"id":42,"correlation_id":"corr-1","room_id":"room-1","content":"hi"}}`)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-cm.Events():
			if ev.Message == nil {
				continue
			}
			require.NotNil(t, ev.Message.Message, "expected a chat message event")
			assert.Equal(t, int64(42), ev.Message.Message.Id)
			assert.Equal(t, "corr-1", ev.Message.Message.CorrelationId)
			return
		case <-deadline:
			t.Fatal("timed out waiting for a message event")
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{
		URL:    "ws://test/ws",
		Dialer: &fakeDialer{},
		Logger: testutil.TestLogger(t),
	})

	err := cm.Publish(1, "room-1", "hello", "corr-1")
	assert.ErrorIs(t, err, ErrNotConnected, "expected publish without a connection to fail fast")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "disconnected", StatusDisconnected.String())
}
