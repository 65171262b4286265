package server

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	idleRoomTimeout = 5 * time.Second
	storageBudget   = 5 * time.Second
)

type exitReq struct {
	deleted bool
	done    chan string
}

type Room struct {
	id            int
	externalId    string
	subscribers   []types.User
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	// exit is used to signal the room to exit
	exit chan exitReq
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	return &Room{
		id:            dbRoom.Id,
		externalId:    dbRoom.ExternalId,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Publish != nil {
				r.handlePublish(msg)
			} else if msg.Read != nil {
				r.handleRead(msg)
			}
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handlePublish persists the message and fans it out. The store is keyed on
// (room, correlation id), so a duplicate publish after a lost ack returns the
// original row and the fan-out carries the same server-assigned id.
func (r *Room) handlePublish(msg *ClientMessage) {
	if msg.Publish.CorrelationId == "" || msg.Publish.Content == "" {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if !r.cs.limiter.allow(msg.UserId) {
		r.log.Printf("rate limited publish from user %d in room %q", msg.UserId, r.externalId)
		r.cs.stats.Incr(metricSendsRateLimited)
		msg.client.queueMessage(ErrTooManyRequests(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageBudget)
	defer cancel()

	var dbMsg database.Message
	err := r.cs.retrier.Do(ctx, "create message", func() error {
		var err error
		dbMsg, err = r.cs.db.CreateMessage(database.CreateMessageParams{
			RoomId:        r.id,
			SenderId:      msg.UserId,
			CorrelationId: msg.Publish.CorrelationId,
			Content:       msg.Publish.Content,
			CreatedAt:     msg.Timestamp,
		})
		return err
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.cs.stats.Incr(metricMessagesPersisted)

	wireMsg := types.Message{
		Id:            dbMsg.Id,
		CorrelationId: dbMsg.CorrelationId,
		RoomId:        r.externalId,
		SenderId:      dbMsg.SenderId,
		Content:       dbMsg.Content,
		CreatedAt:     dbMsg.CreatedAt,
	}

	// ack implies durable persistence
	msg.client.queueMessage(AckPublish(msg.Id, wireMsg))

	// fan out to every client in the room, sender included: the echo is the
	// sender's safety net when the ack never arrives
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: dbMsg.CreatedAt},
		Message:     &wireMsg,
	})

	// notify subscribers with no client in the room
	for _, sub := range r.subscribers {
		if r.userMap[sub.Id] != nil {
			continue
		}

		r.notifyUser(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				NewMessage: &MessageNotification{
					RoomId:    r.externalId,
					MessageId: dbMsg.Id,
				},
			},
			UserId: sub.Id,
		})
	}
}

// handleRead merges the sender into the reader set of each message and
// broadcasts the converged set. The merge is a set union, so replays of the
// same batch are harmless.
func (r *Room) handleRead(msg *ClientMessage) {
	if len(msg.Read.MessageIds) == 0 {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageBudget)
	defer cancel()

	var failed bool
	for _, messageId := range msg.Read.MessageIds {
		var readBy []int
		err := r.cs.retrier.Do(ctx, "mark read", func() error {
			var err error
			readBy, err = r.cs.db.MarkRead(messageId, msg.UserId)
			return err
		})
		if err != nil {
			r.log.Printf("MarkRead %d: %v", messageId, err)
			failed = true
			continue
		}

		r.cs.stats.Incr(metricReadReceipts)
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				MessageRead: &MessageRead{
					RoomId:    r.externalId,
					MessageId: messageId,
					ReadBy:    readBy,
				},
			},
		})
	}

	if failed {
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	if !r.cs.db.SubscriptionExists(c.user.Id, r.id) {
		r.log.Printf("creating subscription for user %q in room %q", c.user.Username, r.externalId)
		sub, err := r.cs.db.CreateSubscription(c.user.Id, r.id)
		if err != nil {
			// reset timer since client join failed
			if len(r.clients) == 0 {
				r.killTimer.Reset(idleRoomTimeout)
			}
			r.log.Println("CreateSubscription:", err)
			c.queueMessage(ErrInternalError(join.Id))
			return
		}

		r.subscribers = append(r.subscribers, types.User{
			Id:       sub.AccountId,
			Username: c.user.Username,
		})

		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				SubscriptionChange: &SubscriptionChange{
					RoomId:     r.externalId,
					Subscribed: true,
					User: types.User{
						Id:       join.UserId,
						Username: c.user.Username,
					},
				},
			},
		})
	}

	dbRoom, err := r.cs.db.GetRoomWithSubscribers(r.id)
	if err != nil {
		r.log.Println("GetRoomWithSubscribers:", err)
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	r.subscribers = r.subscribers[:0]
	for _, sub := range dbRoom.Subscriptions {
		r.subscribers = append(r.subscribers, types.User{
			Id:       sub.AccountId,
			Username: sub.Username,
		})
	}

	r.syncDirectory()

	r.addClient(c)

	if len(r.clients) == 1 {
		// first client in, let subscribers know the room is active
		r.notifyActive(c)
	}

	roomInfo := types.Room{
		Id:          dbRoom.Id,
		Name:        dbRoom.Name,
		ExternalId:  dbRoom.ExternalId,
		Description: dbRoom.Description,
		OwnerId:     dbRoom.OwnerId,
		Subscribers: func() []types.User {
			subscribers := make([]types.User, len(dbRoom.Subscriptions))
			for i, sub := range dbRoom.Subscriptions {
				subscribers[i] = types.User{
					Id:        sub.AccountId,
					Username:  sub.Username,
					IsPresent: r.userMap[sub.AccountId] != nil,
				}
			}
			return subscribers
		}(),
		CreatedAt: dbRoom.CreatedAt,
		UpdatedAt: dbRoom.UpdatedAt,
	}

	c.queueMessage(NoErrOK(join.Id, map[string]any{"room": roomInfo}))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{
				Present: true,
				RoomId:  r.externalId,
				UserId:  c.user.Id,
			},
		},
		SkipClient: c,
	})
}

// syncDirectory merges the current membership into the room's denormalized
// directory document. Failures are logged, never fatal to the join.
func (r *Room) syncDirectory() {
	members := make([]int, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		members = append(members, sub.Id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageBudget)
	defer cancel()

	err := r.cs.retrier.Do(ctx, "upsert room directory", func() error {
		_, err := r.cs.db.UpsertRoomDirectory(r.externalId, members, nil)
		return err
	})
	if err != nil {
		r.log.Printf("directory upsert for room %q: %v", r.externalId, err)
	}
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	if leaveMsg.Leave.Unsubscribe {
		r.log.Printf("unsubscribing user %d from room %q", leaveMsg.GetUserId(), r.externalId)
		err := r.cs.db.DeleteSubscription(leaveMsg.GetUserId(), r.id)
		if err != nil {
			r.log.Println("DeleteSubscription:", err)
			if leaveMsg.client != nil {
				leaveMsg.client.queueMessage(ErrInternalError(leaveMsg.Id))
			}
			return
		}

		username := ""
		if leaveMsg.client != nil {
			username = leaveMsg.client.user.Username
		}

		r.removeAllClientsForUser(leaveMsg.GetUserId())
		// drop the user from the in-memory subscriber list so no leave
		// notification is sent to them
		r.removeSubscriber(leaveMsg.GetUserId())

		if leaveMsg.client != nil {
			leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))
		}

		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				SubscriptionChange: &SubscriptionChange{
					RoomId:     r.externalId,
					Subscribed: false,
					User: types.User{
						Id:       leaveMsg.GetUserId(),
						Username: username,
					},
				},
			},
		})
		return
	}

	client := leaveMsg.client
	r.removeClient(client)

	if leaveMsg.GetUserId() != 0 {
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	// notify the room the user is offline if this was their last connection
	if r.userMap[client.user.Id] == nil {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Presence: &Presence{
					Present: false,
					RoomId:  r.externalId,
					UserId:  client.user.Id,
				},
			},
			SkipClient: client,
		})
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		r.log.Printf("unload channel full, rescheduling timeout for room %q", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	// notify subscribers the room is offline
	for _, sub := range r.subscribers {
		r.notifyUser(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Presence: &Presence{
					Present: false,
					RoomId:  r.externalId,
				},
			},
			UserId: sub.Id,
		})
	}

	if e.done != nil {
		e.done <- r.externalId
	}
}

// notifyActive sends a presence notification to all subscribers indicating
// that the room is currently active.
func (r *Room) notifyActive(skipClient *Client) {
	for _, sub := range r.subscribers {
		r.notifyUser(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Presence: &Presence{
					Present: true,
					RoomId:  r.externalId,
				},
			},
			UserId:     sub.Id,
			SkipClient: skipClient,
		})
	}
}

// notifyUser hands a targeted message to the chat server without blocking
// the room loop.
func (r *Room) notifyUser(msg *ServerMessage) {
	select {
	case r.cs.broadcastChan <- msg:
	default:
		r.log.Printf("broadcast channel full, dropping notification for user %d", msg.UserId)
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		r.log.Printf("client %q not found in room %q", c.user.Username, r.externalId)
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeAllClientsForUser(userId int) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeSubscriber(userId int) {
	for i, sub := range r.subscribers {
		if sub.Id == userId {
			r.subscribers = slices.Delete(r.subscribers, i, i+1)
			return
		}
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
