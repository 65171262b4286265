package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id            int
	Name          string
	ExternalId    string
	Description   string
	OwnerId       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Subscriptions []Subscription
}

type Subscription struct {
	Id        int
	AccountId int
	Username  string
	RoomId    int
	Room      Room
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message rows are immutable once written, except that readers accumulate in
// message_reads. Id is assigned by the database and orders messages within a
// room together with CreatedAt.
type Message struct {
	Id            int64
	CorrelationId string
	RoomId        int
	SenderId      int
	Content       string
	CreatedAt     time.Time
	ReadBy        []int
}

// RoomDirectory is the denormalized per-room membership document. Duplicate
// rows for the same RoomKey can exist; writers must merge across all of them.
type RoomDirectory struct {
	Id        int
	RoomKey   string
	Members   []int
	Languages []string
	UpdatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerId     int    `json:"-"`
	ExternalId  string `json:"external_id"`
}

type CreateMessageParams struct {
	RoomId        int
	SenderId      int
	CorrelationId string
	Content       string
	CreatedAt     time.Time
}
