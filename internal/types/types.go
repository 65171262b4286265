package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	IsPresent    bool      `json:"is_present,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	Name        string    `json:"name"`
	ExternalId  string    `json:"external_id"`
	Description string    `json:"description"`
	OwnerId     int       `json:"owner_id"`
	Subscribers []User    `json:"subscribers,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Subscription struct {
	Id        int       `json:"id"`
	Room      Room      `json:"room"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Message is the persisted form of a chat message. Id and CreatedAt are
// server-assigned and authoritative for ordering within a room. CorrelationId
// is the client-generated token linking the message back to the send attempt
// that produced it. ReadBy only ever grows.
type Message struct {
	Id            int64     `json:"id"`
	CorrelationId string    `json:"correlation_id"`
	RoomId        string    `json:"room_id"`
	SenderId      int       `json:"sender_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	ReadBy        []int     `json:"read_by,omitempty"`
}
