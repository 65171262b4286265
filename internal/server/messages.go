package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Publish *Publish `json:"publish,omitempty"`
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Read    *Read    `json:"read,omitempty"`
	UserId  int      `json:"-"`
	client  *Client  `json:"-"`
}

func (cm *ClientMessage) GetUserId() int {
	if cm.UserId != 0 {
		return cm.UserId
	}

	if cm.client != nil {
		return cm.client.user.Id
	}

	return 0
}

// Publish carries one send attempt. CorrelationId is generated by the client
// and identifies the message lineage across resends; the server persists at
// most one message per (room, correlation id).
type Publish struct {
	RoomId        string `json:"room_id"`
	Content       string `json:"content"`
	CorrelationId string `json:"correlation_id"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
	RoomId      string `json:"room_id"`
}

// Read marks a batch of messages as read by the sending user.
type Read struct {
	RoomId     string  `json:"room_id"`
	MessageIds []int64 `json:"message_ids"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	UserId       int            `json:"-"`
	SkipClient   *Client        `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notification struct {
	MessageRead        *MessageRead         `json:"message_read,omitempty"`
	NewMessage         *MessageNotification `json:"new_message,omitempty"`
	Presence           *Presence            `json:"presence,omitempty"`
	SubscriptionChange *SubscriptionChange  `json:"subscription_change,omitempty"`
	RoomDeleted        *RoomDeleted         `json:"room_deleted,omitempty"`
}

// MessageNotification tells a subscriber with no active client that the room
// has new messages.
type MessageNotification struct {
	RoomId    string `json:"room_id"`
	MessageId int64  `json:"message_id"`
}

// MessageRead carries the merged reader set after a read-mark. It is
// broadcast to the whole room so receipt state converges for every sender.
type MessageRead struct {
	RoomId    string `json:"room_id"`
	MessageId int64  `json:"message_id"`
	ReadBy    []int  `json:"read_by"`
}

type Presence struct {
	Present bool   `json:"present"`
	UserId  int    `json:"user_id"`
	RoomId  string `json:"room_id"`
}

type SubscriptionChange struct {
	RoomId     string     `json:"room_id"`
	Subscribed bool       `json:"subscribed"`
	User       types.User `json:"user"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

// AckPublish is the durable-persistence acknowledgement for a send. It echoes
// the correlation id and carries the server-assigned id and timestamp so the
// sender can reconcile its optimistic record.
func AckPublish(id int, msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data: map[string]any{
				"message_id":     msg.Id,
				"correlation_id": msg.CorrelationId,
				"room_id":        msg.RoomId,
				"created_at":     msg.CreatedAt,
			},
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

// ErrTooManyRequests rejects a send that exceeded the per-identity rate
// limit. Clients surface it to the user instead of retrying automatically.
func ErrTooManyRequests(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusTooManyRequests,
			Error:        "rate limit exceeded",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
