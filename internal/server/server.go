package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/retry"
	"github.com/npezzotti/go-chatrelay/internal/stats"
)

const (
	metricActiveClients     = "ActiveClients"
	metricActiveRooms       = "ActiveRooms"
	metricMessagesPersisted = "MessagesPersisted"
	metricSendsRateLimited  = "SendsRateLimited"
	metricReadReceipts      = "ReadReceiptsMerged"
)

const (
	defaultSendLimit     = 20
	defaultSendWindow    = 10 * time.Second
	storageAttempts      = 4
	limiterPruneInterval = time.Minute
)

type unloadRoomRequest struct {
	roomId  string
	deleted bool
}

type stopRequest struct {
	done chan struct{}
}

type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	retrier        *database.Retrier
	stats          stats.StatsProvider
	limiter        *rateLimiter
	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	broadcastChan  chan *ServerMessage
	unloadRoomChan chan unloadRoomRequest
	registerChan   chan *Client
	deregisterChan chan *Client
	rooms          map[string]*Room
	stop           chan stopRequest
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider) (*ChatServer, error) {
	for _, name := range []string{
		metricActiveClients,
		metricActiveRooms,
		metricMessagesPersisted,
		metricSendsRateLimited,
		metricReadReceipts,
	} {
		su.RegisterMetric(name)
	}

	return &ChatServer{
		log:            logger,
		db:             db,
		retrier:        database.NewRetrier(retry.Storage(), storageAttempts, logger),
		stats:          su,
		limiter:        newRateLimiter(defaultSendLimit, defaultSendWindow),
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		broadcastChan:  make(chan *ServerMessage, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 16),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		rooms:          make(map[string]*Room),
		stop:           make(chan stopRequest),
	}, nil
}

func (cs *ChatServer) Run() {
	pruneTicker := time.NewTicker(limiterPruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoinRequest(joinMsg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
		case client := <-cs.deregisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
		case msg := <-cs.broadcastChan:
			cs.deliverToUser(msg)
		case req := <-cs.unloadRoomChan:
			cs.handleUnloadRoom(req)
		case <-pruneTicker.C:
			cs.limiter.prune()
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan string)
				r.exit <- exitReq{done: done}
				<-done
			}
			cs.rooms = make(map[string]*Room)

			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoinRequest(joinMsg *ClientMessage) {
	if room, ok := cs.rooms[joinMsg.Join.RoomId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	dbRoom, err := cs.db.GetRoomByExternalId(joinMsg.Join.RoomId)
	if err != nil {
		joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		return
	}

	room := newRoom(cs, dbRoom)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(metricActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

func (cs *ChatServer) handleUnloadRoom(req unloadRoomRequest) {
	r, ok := cs.rooms[req.roomId]
	if !ok {
		return
	}

	cs.log.Printf("removing room %q", r.externalId)
	delete(cs.rooms, req.roomId)
	cs.stats.Decr(metricActiveRooms)

	done := make(chan string)
	r.exit <- exitReq{deleted: req.deleted, done: done}
	<-done
}

// deliverToUser routes a targeted message to every connection the user has.
func (cs *ChatServer) deliverToUser(msg *ServerMessage) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for client := range cs.userMap[msg.UserId] {
		if client == msg.SkipClient {
			continue
		}
		client.queueMessage(msg)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(metricActiveClients)
}

// UnloadRoom evicts a loaded room, notifying clients when the room was
// deleted. Used by the HTTP surface after a room delete.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: roomId, deleted: deleted}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopRequest{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
