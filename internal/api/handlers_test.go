package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, db database.ChatRepository) *ChatApp {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(5)

	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, db, su)
	require.NoError(t, err, "failed to create chat server")

	cfg, err := config.NewConfig(
		"localhost:8000",
		"host=localhost",
		base64.StdEncoding.EncodeToString([]byte("test_secret")),
		[]string{"http://localhost:3000"},
	)
	require.NoError(t, err, "failed to create config")

	app, err := NewChatApp(http.NewServeMux(), logger, cs, db, cfg)
	require.NoError(t, err, "failed to create chat app")
	return app
}

func TestCreateAccount(t *testing.T) {
	t.Run("creates account", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("CreateAccount", mock.MatchedBy(func(p database.CreateAccountParams) bool {
			return p.Username == "testuser" && p.EmailAddress == "test@example.com" && p.PasswordHash != ""
		})).Return(database.User{Id: 1, Username: "testuser", EmailAddress: "test@example.com"}, nil).Once()

		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
			strings.NewReader(`{"email":"test@example.com","username":"testuser","password":"secret"}`))
		rr := httptest.NewRecorder()
		app.createAccount(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code, "expected account created")

		var user types.User
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &user))
		assert.Equal(t, 1, user.Id)
		assert.Equal(t, "testuser", user.Username)

		db.AssertExpectations(t)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		db := &database.MockChatRepository{}
		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
			strings.NewReader(`{"email":"test@example.com"}`))
		rr := httptest.NewRecorder()
		app.createAccount(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected bad request for missing fields")
		db.AssertNotCalled(t, "CreateAccount", mock.Anything)
	})
}

func TestLogin(t *testing.T) {
	pwdHash, err := hashPassword("secret")
	require.NoError(t, err)

	t.Run("successful login sets session cookie", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountByEmail", "test@example.com").Return(database.User{
			Id:           1,
			Username:     "testuser",
			EmailAddress: "test@example.com",
			PasswordHash: pwdHash,
		}, nil).Once()

		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			strings.NewReader(`{"email":"test@example.com","password":"secret"}`))
		rr := httptest.NewRecorder()
		app.login(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "expected successful login")

		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1, "expected a session cookie")
		assert.Equal(t, tokenCookieKey, cookies[0].Name)
		assert.NotEmpty(t, cookies[0].Value, "expected a signed token")

		db.AssertExpectations(t)
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountByEmail", "test@example.com").Return(database.User{
			Id:           1,
			PasswordHash: pwdHash,
		}, nil).Once()

		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			strings.NewReader(`{"email":"test@example.com","password":"wrong"}`))
		rr := httptest.NewRecorder()
		app.login(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected unauthorized for wrong password")
	})
}

func TestAuthMiddleware(t *testing.T) {
	db := &database.MockChatRepository{}
	app := newTestApp(t, db)

	var gotUserId int
	handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUserId, _ = UserId(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := app.createJwtForSession(types.User{Id: 7}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(createJwtCookie(token, time.Hour))
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 7, gotUserId, "expected the user id from the token claims")
	})

	t.Run("missing cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected unauthorized without a cookie")
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(createJwtCookie("not-a-token", time.Hour))
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected unauthorized for an invalid token")
	})
}

func TestCreateRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("CreateRoom", mock.MatchedBy(func(p database.CreateRoomParams) bool {
		return p.Name == "general" && p.OwnerId == 1 && p.ExternalId != ""
	})).Return(database.Room{Id: 1, Name: "general", ExternalId: "abc123", OwnerId: 1}, nil).Once()

	app := newTestApp(t, db)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms",
		strings.NewReader(`{"name":"general","description":"general chat"}`))
	req = req.WithContext(WithUserId(req.Context(), 1))
	rr := httptest.NewRecorder()
	app.createRoom(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code, "expected room created")

	var room types.Room
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &room))
	assert.Equal(t, "abc123", room.ExternalId)

	db.AssertExpectations(t)
}

func TestDeleteRoom(t *testing.T) {
	t.Run("owner deletes room", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByExternalId", "abc123").Return(database.Room{Id: 1, ExternalId: "abc123", OwnerId: 1}, nil).Once()
		db.On("DeleteRoom", 1).Return(nil).Once()

		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodDelete, "/api/rooms?id=abc123", nil)
		req = req.WithContext(WithUserId(req.Context(), 1))
		rr := httptest.NewRecorder()
		app.deleteRoom(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code, "expected room deleted")
		db.AssertExpectations(t)
	})

	t.Run("non-owner is forbidden", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByExternalId", "abc123").Return(database.Room{Id: 1, ExternalId: "abc123", OwnerId: 1}, nil).Once()

		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodDelete, "/api/rooms?id=abc123", nil)
		req = req.WithContext(WithUserId(req.Context(), 2))
		rr := httptest.NewRecorder()
		app.deleteRoom(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code, "expected forbidden for non-owner")
		db.AssertNotCalled(t, "DeleteRoom", mock.Anything)
	})
}

func TestGetMessages(t *testing.T) {
	created := time.Now().UTC().Round(time.Millisecond)

	t.Run("serves a history page", func(t *testing.T) {
		before := created.Add(time.Minute)

		db := &database.MockChatRepository{}
		db.On("GetRoomByExternalId", "abc123").Return(database.Room{Id: 1, ExternalId: "abc123"}, nil).Once()
		db.On("GetMessages", 1, before, 10).Return([]database.Message{
			{Id: 9, CorrelationId: "corr-9", RoomId: 1, SenderId: 2, Content: "newer", CreatedAt: created, ReadBy: []int{1, 2}},
			{Id: 8, CorrelationId: "corr-8", RoomId: 1, SenderId: 1, Content: "older", CreatedAt: created.Add(-time.Minute)},
		}, nil).Once()

		app := newTestApp(t, db)

		target := "/api/messages?room_id=abc123&limit=10&before=" + before.Format(time.RFC3339Nano)
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req = req.WithContext(WithUserId(req.Context(), 1))
		rr := httptest.NewRecorder()
		app.getMessages(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "expected messages returned")

		var msgs []types.Message
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msgs))
		require.Len(t, msgs, 2)
		assert.Equal(t, int64(9), msgs[0].Id, "expected newest first")
		assert.Equal(t, "abc123", msgs[0].RoomId, "expected the external room id on the wire")
		assert.Equal(t, []int{1, 2}, msgs[0].ReadBy, "expected reader set included")

		db.AssertExpectations(t)
	})

	t.Run("missing room id is a bad request", func(t *testing.T) {
		db := &database.MockChatRepository{}
		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
		rr := httptest.NewRecorder()
		app.getMessages(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("malformed before is a bad request", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByExternalId", "abc123").Return(database.Room{Id: 1, ExternalId: "abc123"}, nil).Once()
		app := newTestApp(t, db)

		req := httptest.NewRequest(http.MethodGet, "/api/messages?room_id=abc123&before=12345", nil)
		rr := httptest.NewRecorder()
		app.getMessages(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLogout(t *testing.T) {
	db := &database.MockChatRepository{}
	app := newTestApp(t, db)

	rr := httptest.NewRecorder()
	app.logout(rr, httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value, "expected the session cookie cleared")
}
