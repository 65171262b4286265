package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomWithSubscribers(roomId int) (*Room, error) {
	args := m.Called(roomId)
	if room, ok := args.Get(0).(*Room); ok {
		return room, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateSubscription(accountId, roomId int) (Subscription, error) {
	args := m.Called(accountId, roomId)
	return args.Get(0).(Subscription), args.Error(1)
}
func (m *MockChatRepository) SubscriptionExists(accountId, roomId int) bool {
	args := m.Called(accountId, roomId)
	return args.Bool(0)
}
func (m *MockChatRepository) ListSubscriptions(accountId int) ([]Subscription, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Subscription), args.Error(1)
}
func (m *MockChatRepository) DeleteSubscription(accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) MarkRead(messageId int64, accountId int) ([]int, error) {
	args := m.Called(messageId, accountId)
	if readBy, ok := args.Get(0).([]int); ok {
		return readBy, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetMessages(roomId int, before time.Time, limit int) ([]Message, error) {
	args := m.Called(roomId, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UpsertRoomDirectory(roomKey string, members []int, languages []string) (RoomDirectory, error) {
	args := m.Called(roomKey, members, languages)
	return args.Get(0).(RoomDirectory), args.Error(1)
}
