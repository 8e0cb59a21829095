package server

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// Large enough for a maximal selection plus its companion comment.
	maxMessageSize = 64 << 10
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.Identity
	// connId identifies this connection in presence tracking.
	connId    string
	send      chan *ServerMessage
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	// detached is set once the connection has left every room on its way
	// out; no room may attach it afterwards.
	detached bool
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(user types.Identity, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		connId:     uuid.NewString(),
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.heartbeatAllRooms()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.UserId
		msg.Timestamp = Now()
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.joinRoom(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Highlight != nil, msg.Comment != nil, msg.Heartbeat != nil:
		r := c.getRoom(msg.RoomId())
		if r == nil {
			c.queueMessage(ErrNotJoined(msg.Id))
			return
		}
		select {
		case r.clientMsgChan <- msg:
		default:
			c.log.Printf("clientMsgChan full for room %q", r.externalId)
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// forward copies events from sub to the socket. If the subscription is
// dropped for falling behind, the room is asked to resync this client.
func (c *Client) forward(r *Room, sub *eventbus.Subscription) {
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), eventbus.ErrSlowConsumer) {
					select {
					case r.resyncChan <- resyncReq{client: c, sub: sub}:
					case <-r.done:
					case <-c.stop:
					}
				}
				return
			}

			msg := &ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Event:       &e,
			}
			select {
			case c.send <- msg:
			case <-c.stop:
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) heartbeatAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for id, room := range c.rooms {
		select {
		case room.clientMsgChan <- &ClientMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Heartbeat:   &Heartbeat{RoomId: id},
			UserId:      c.user.UserId,
			client:      c,
		}:
		default:
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeRegisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

// leaveAllRooms severs every room membership of the client, which fires the
// armed disconnect in each room.
func (c *Client) leaveAllRooms() {
	c.roomsLock.Lock()
	c.detached = true
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.Unlock()

	for _, room := range rooms {
		select {
		case room.leaveChan <- &ClientMessage{
			Leave:   &Leave{RoomId: room.externalId},
			UserId:  c.user.UserId,
			severed: true,
			client:  c,
		}:
		case <-room.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.RoomId)
	if r == nil {
		c.queueMessage(ErrNotJoined(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for room %q", r.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

// addRoom records membership of r. It reports false once the client is
// detached.
func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if c.detached {
		return false
	}
	c.rooms[r.externalId] = r
	return true
}

func (c *Client) isDetached() bool {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.detached
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
