package server

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.ChatRepository, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(5)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(5)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.retrier, "expected retrier to be initialized")
	assert.NotNil(t, cs.limiter, "expected rate limiter to be initialized")
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.broadcastChan, "expected broadcastChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected userMap to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		// nothing reads cs.stop, so Shutdown must time out
		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded")
	})
}

func Test_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Return().Once()
	su.On("Decr", metricActiveClients).Return().Once()
	cs := newTestChatServer(t, &database.MockChatRepository{}, su)

	c := &Client{user: types.User{Id: 1, Username: "testuser"}}
	cs.addClient(c)
	assert.Contains(t, cs.clients, c, "expected clients to contain client")
	assert.Contains(t, cs.userMap, 1, "expected userMap entry for user 1")

	cs.removeClient(c)
	assert.NotContains(t, cs.clients, c, "expected client to be removed")
	assert.NotContains(t, cs.userMap, 1, "expected userMap entry to be removed with last connection")

	su.AssertExpectations(t)
}

func Test_deliverToUser(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Return().Times(2)
	cs := newTestChatServer(t, &database.MockChatRepository{}, su)

	c1 := &Client{user: types.User{Id: 1}, send: make(chan *ServerMessage, 1), log: testutil.TestLogger(t)}
	c2 := &Client{user: types.User{Id: 1}, send: make(chan *ServerMessage, 1), log: testutil.TestLogger(t)}
	cs.addClient(c1)
	cs.addClient(c2)

	cs.deliverToUser(&ServerMessage{UserId: 1, SkipClient: c2})

	assert.Len(t, c1.send, 1, "expected message delivered to first connection")
	assert.Len(t, c2.send, 0, "expected skipped client to receive nothing")
}

func Test_handleJoinRequest_roomNotFound(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoomByExternalId", "missing").Return(database.Room{}, assert.AnError).Once()
	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})

	c := &Client{user: types.User{Id: 1}, send: make(chan *ServerMessage, 1), log: testutil.TestLogger(t)}
	cs.handleJoinRequest(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Join:        &Join{RoomId: "missing"},
		client:      c,
	})

	select {
	case msg := <-c.send:
		assert.NotNil(t, msg.Response, "expected a response message")
		assert.Equal(t, 404, msg.Response.ResponseCode, "expected room not found response")
	default:
		t.Error("expected an error response for unknown room")
	}

	db.AssertExpectations(t)
}
