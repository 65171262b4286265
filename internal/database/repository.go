package database

import "time"

type ChatRepository interface {
	Ping() error
	Close() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	DeleteRoom(id int) error
	GetRoomByExternalId(externalId string) (Room, error)
	GetRoomWithSubscribers(roomId int) (*Room, error)
	CreateSubscription(accountId, roomId int) (Subscription, error)
	SubscriptionExists(accountId, roomId int) bool
	ListSubscriptions(accountId int) ([]Subscription, error)
	DeleteSubscription(accountId, roomId int) error
	// CreateMessage persists a message exactly once per (room, correlation id)
	// pair. Retrying after a transient failure is safe: if the row already
	// exists the stored message is returned as success.
	CreateMessage(params CreateMessageParams) (Message, error)
	// MarkRead adds the account to the message's reader set and returns the
	// merged set. Calling it again for the same pair is a no-op.
	MarkRead(messageId int64, accountId int) ([]int, error)
	// GetMessages returns up to limit messages for the room in descending
	// created_at order. A non-zero before acts as an exclusive upper bound.
	GetMessages(roomId int, before time.Time, limit int) ([]Message, error)
	UpsertRoomDirectory(roomKey string, members []int, languages []string) (RoomDirectory, error)
}
