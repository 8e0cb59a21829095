package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/stats"
)

const (
	statActiveRooms   = "NumActiveRooms"
	statActiveClients = "NumActiveClients"
	statHighlights    = "NumHighlights"
	statComments      = "NumComments"
	statResyncs       = "NumResyncs"

	loadRoomTimeout = 5 * time.Second
)

var errRoomNotLoaded = errors.New("room is not loaded")

type Options struct {
	// IdleRoomTimeout is how long a room without connections stays loaded.
	IdleRoomTimeout time.Duration
	// PresenceStaleAfter is how long an online entry may go without activity
	// before the sweeper marks it offline.
	PresenceStaleAfter time.Duration
	// SweepInterval of zero disables the presence sweeper.
	SweepInterval time.Duration
	StoreTimeout       time.Duration
}

func DefaultOptions() Options {
	return Options{
		IdleRoomTimeout:    30 * time.Second,
		PresenceStaleAfter: 90 * time.Second,
		SweepInterval:      15 * time.Second,
		StoreTimeout:       5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.IdleRoomTimeout <= 0 {
		o.IdleRoomTimeout = def.IdleRoomTimeout
	}
	if o.PresenceStaleAfter <= 0 {
		o.PresenceStaleAfter = def.PresenceStaleAfter
	}
	if o.SweepInterval < 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = def.StoreTimeout
	}
	return o
}

type unloadRoomRequest struct {
	roomId string
}

type loadRoomRequest struct {
	roomId string
	reply  chan loadRoomResult
}

type loadRoomResult struct {
	room *Room
	err  error
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the loaded rooms. Its Run goroutine is the only place rooms
// are loaded and unloaded.
type ChatServer struct {
	log            *log.Logger
	db             database.Repository
	bus            *eventbus.Bus
	stats          stats.StatsProvider
	opts           Options
	clients        map[*Client]struct{}
	userMap        map[string]map[*Client]struct{}
	clientsLock    sync.RWMutex
	joinChan       chan *ClientMessage
	loadChan       chan loadRoomRequest
	unloadRoomChan chan unloadRoomRequest
	roomsMap       sync.Map
	numRooms       int
	stop           chan stopReq
}

func NewChatServer(logger *log.Logger, db database.Repository, bus *eventbus.Bus, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("repository is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}

	opts = opts.withDefaults()

	su.RegisterMetric(statActiveRooms)
	su.RegisterMetric(statActiveClients)
	su.RegisterMetric(statHighlights)
	su.RegisterMetric(statComments)
	su.RegisterMetric(statResyncs)

	return &ChatServer{
		log:            logger,
		db:             db,
		bus:            bus,
		stats:          su,
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[string]map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		loadChan:       make(chan loadRoomRequest),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		stop:           make(chan stopReq),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.joinChan:
			cs.handleJoinRoom(msg)
		case req := <-cs.loadChan:
			room, err := cs.getOrLoadRoom(req.roomId)
			req.reply <- loadRoomResult{room: room, err: err}
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req.roomId, false)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			cs.unloadAllRooms()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	req := stopReq{done: make(chan struct{})}
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

func (cs *ChatServer) handleJoinRoom(msg *ClientMessage) {
	room, err := cs.getOrLoadRoom(msg.Join.RoomId)
	if err != nil {
		cs.log.Printf("load room %q: %v", msg.Join.RoomId, err)
		msg.client.queueMessage(errorResponse(msg.Id, err))
		return
	}

	select {
	case room.joinChan <- msg:
	default:
		cs.log.Printf("join channel full on room %q", room.externalId)
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// getOrLoadRoom must only be called from the Run goroutine.
func (cs *ChatServer) getOrLoadRoom(roomId string) (*Room, error) {
	if room, ok := cs.getRoom(roomId); ok {
		return room, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadRoomTimeout)
	defer cancel()

	room, err := newRoom(ctx, cs, roomId)
	if err != nil {
		return nil, err
	}

	cs.addRoom(roomId, room)
	go room.start()
	return room, nil
}

// RoomFor returns the loaded room for roomId, loading it if needed.
func (cs *ChatServer) RoomFor(ctx context.Context, roomId string) (*Room, error) {
	req := loadRoomRequest{roomId: roomId, reply: make(chan loadRoomResult, 1)}
	select {
	case cs.loadChan <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.room, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runInRoom runs fn on the room goroutine. A room that unloads between lookup
// and execution is loaded again once.
func (cs *ChatServer) runInRoom(ctx context.Context, roomId string, fn func(r *Room)) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var room *Room
		room, err = cs.RoomFor(ctx, roomId)
		if err != nil {
			return err
		}
		if err = room.do(ctx, func() { fn(room) }); !errors.Is(err, errRoomNotLoaded) {
			return err
		}
	}
	return err
}

func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string) error {
	if roomId == "" {
		return fmt.Errorf("roomId cannot be empty")
	}

	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: roomId}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unloadRoom asks the room to exit. Unless forced, a room that picked up new
// work since it went idle refuses and stays loaded.
func (cs *ChatServer) unloadRoom(roomId string, force bool) {
	room, ok := cs.getRoom(roomId)
	if !ok {
		return
	}

	req := exitReq{force: force, done: make(chan bool, 1)}
	room.exit <- req
	if exited := <-req.done; !exited {
		cs.log.Printf("room %q is busy, keeping it loaded", roomId)
		return
	}

	cs.removeRoom(roomId)
}

func (cs *ChatServer) unloadAllRooms() {
	var wg sync.WaitGroup
	cs.roomsMap.Range(func(key, value any) bool {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			cs.unloadRoom(id, true)
		}(key.(string))
		return true
	})
	wg.Wait()
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.addClient(c)
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.removeClient(c)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.UserId] == nil {
		cs.userMap[c.user.UserId] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.UserId][c] = struct{}{}
	cs.stats.Incr(statActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	if clients, ok := cs.userMap[c.user.UserId]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(cs.userMap, c.user.UserId)
		}
	}
	cs.stats.Decr(statActiveClients)
}

func (cs *ChatServer) getClients(userId string) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) addRoom(id string, room *Room) {
	cs.roomsMap.Store(id, room)
	cs.numRooms++
	cs.stats.Incr(statActiveRooms)
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	if r, ok := cs.roomsMap.Load(id); ok {
		return r.(*Room), true
	}
	return nil, false
}

func (cs *ChatServer) removeRoom(id string) {
	if _, ok := cs.roomsMap.LoadAndDelete(id); ok {
		cs.numRooms--
		cs.stats.Decr(statActiveRooms)
	}
}
