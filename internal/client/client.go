// Package client is a Go consumer of the room WebSocket protocol. It keeps a
// local View per joined room and transparently reconnects, re-joining every
// room so each view is replaced by a fresh snapshot.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/server"
	"github.com/npezzotti/go-bookclub/internal/types"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrDisconnected = errors.New("client: connection lost before response")
	ErrNotJoined    = errors.New("client: room not joined")
)

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// InitialInterval and MaxInterval bound the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime stops reconnecting after this long without a connection.
	// Zero retries until the context is done.
	MaxElapsedTime time.Duration
}

type response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type message struct {
	Id       int             `json:"id,omitempty"`
	Response *response       `json:"response,omitempty"`
	Event    *eventbus.Event `json:"event,omitempty"`
}

type Client struct {
	log  *log.Logger
	opts Options

	mu      sync.Mutex
	conn    *websocket.Conn
	nextId  int
	pending map[int]chan response
	rooms   map[string]struct{}
	views   map[string]*View

	writeMu sync.Mutex
	updates chan string
	ready   chan struct{}
}

func New(logger *log.Logger, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = backoff.DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = backoff.DefaultMaxInterval
	}

	return &Client{
		log:     logger,
		opts:    opts,
		pending: make(map[int]chan response),
		rooms:   make(map[string]struct{}),
		views:   make(map[string]*View),
		updates: make(chan string, 64),
		ready:   make(chan struct{}),
	}
}

// Updates receives the code of a room each time its view changes. Sends are
// dropped when nobody is reading.
func (c *Client) Updates() <-chan string {
	return c.updates
}

// Connected is closed once the first connection is established.
func (c *Client) Connected() <-chan struct{} {
	return c.ready
}

// Run connects and serves the connection until ctx is done, reconnecting
// with exponential backoff whenever it drops.
func (c *Client) Run(ctx context.Context) error {
	var readyOnce sync.Once
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}

		c.setConn(conn)
		readyOnce.Do(func() { close(c.ready) })
		go c.rejoin(ctx)

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = c.readLoop(conn)
		stop()
		c.dropConn(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Printf("connection lost: %v, reconnecting", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = c.opts.MaxElapsedTime

	op := func() (*websocket.Conn, error) {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("dial: %s", resp.Status))
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	notify := func(err error, wait time.Duration) {
		c.log.Printf("%v, retrying in %s", err, wait)
	}

	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// dropConn fails every in-flight request of conn.
func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch {
		case msg.Response != nil:
			c.resolve(msg.Id, *msg.Response)
		case msg.Event != nil:
			c.apply(*msg.Event)
		}
	}
}

func (c *Client) resolve(id int, resp response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (c *Client) apply(e eventbus.Event) {
	c.mu.Lock()
	switch e.Type {
	case eventbus.TypeSnapshot, eventbus.TypeResync:
		if _, ok := c.rooms[e.Room]; !ok {
			c.mu.Unlock()
			return
		}
		var s types.RoomSnapshot
		if err := e.Decode(&s); err != nil {
			c.mu.Unlock()
			c.log.Printf("decode %s event: %v", e.Type, err)
			return
		}
		c.views[e.Room] = NewView(s)
	default:
		v, ok := c.views[e.Room]
		if !ok {
			c.mu.Unlock()
			return
		}
		if err := v.Apply(e); err != nil {
			c.mu.Unlock()
			c.log.Printf("apply %s event: %v", e.Type, err)
			return
		}
	}
	c.mu.Unlock()

	select {
	case c.updates <- e.Room:
	default:
	}
}

func (c *Client) rejoin(ctx context.Context) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, id := range rooms {
		if err := c.sendJoin(ctx, id); err != nil {
			c.log.Printf("rejoin %q: %v", id, err)
		}
	}
}

func (c *Client) request(ctx context.Context, msg *server.ClientMessage) (response, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return response{}, ErrNotConnected
	}
	c.nextId++
	msg.Id = c.nextId
	ch := make(chan response, 1)
	c.pending[msg.Id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Id)
		c.mu.Unlock()
	}()

	msg.Timestamp = time.Now().UTC()
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return response{}, fmt.Errorf("write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrDisconnected
		}
		if err := responseError(resp); err != nil {
			return response{}, err
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func responseError(resp response) error {
	var kind error
	switch resp.ResponseCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusBadRequest:
		kind = types.ErrValidation
	case http.StatusNotFound:
		kind = types.ErrNotFound
	case http.StatusConflict:
		kind = types.ErrAlreadyExists
	case http.StatusServiceUnavailable:
		kind = types.ErrTransientIO
	default:
		return fmt.Errorf("server error %d: %s", resp.ResponseCode, resp.Error)
	}
	return fmt.Errorf("%w: %s", kind, resp.Error)
}

func (c *Client) sendJoin(ctx context.Context, roomId string) error {
	_, err := c.request(ctx, &server.ClientMessage{Join: &server.Join{RoomId: roomId}})
	return err
}

// Join subscribes to a room. The view is populated by the snapshot that
// follows the response; use WaitFor to block until it arrives. A room whose
// join was cut off by a lost connection stays registered and is joined again
// on reconnect.
func (c *Client) Join(ctx context.Context, roomId string) error {
	c.mu.Lock()
	_, joined := c.rooms[roomId]
	c.rooms[roomId] = struct{}{}
	c.mu.Unlock()

	err := c.sendJoin(ctx, roomId)
	if err != nil && !joined && !errors.Is(err, ErrDisconnected) {
		c.mu.Lock()
		delete(c.rooms, roomId)
		c.mu.Unlock()
	}
	return err
}

func (c *Client) Leave(ctx context.Context, roomId string) error {
	c.mu.Lock()
	delete(c.rooms, roomId)
	delete(c.views, roomId)
	c.mu.Unlock()

	_, err := c.request(ctx, &server.ClientMessage{Leave: &server.Leave{RoomId: roomId}})
	return err
}

func (c *Client) Heartbeat(ctx context.Context, roomId string) (types.Presence, error) {
	resp, err := c.request(ctx, &server.ClientMessage{Heartbeat: &server.Heartbeat{RoomId: roomId}})
	if err != nil {
		return types.Presence{}, err
	}

	var p types.Presence
	if err := json.Unmarshal(resp.Data, &p); err != nil {
		return types.Presence{}, fmt.Errorf("decode presence: %w", err)
	}
	return p, nil
}

func (c *Client) AddHighlight(ctx context.Context, req server.AddHighlight) (server.HighlightResult, error) {
	resp, err := c.request(ctx, &server.ClientMessage{Highlight: &req})
	if err != nil {
		return server.HighlightResult{}, err
	}

	var res server.HighlightResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		return server.HighlightResult{}, fmt.Errorf("decode highlight: %w", err)
	}
	return res, nil
}

func (c *Client) AddComment(ctx context.Context, req server.AddComment) (types.Comment, error) {
	resp, err := c.request(ctx, &server.ClientMessage{Comment: &req})
	if err != nil {
		return types.Comment{}, err
	}

	var comment types.Comment
	if err := json.Unmarshal(resp.Data, &comment); err != nil {
		return types.Comment{}, fmt.Errorf("decode comment: %w", err)
	}
	return comment, nil
}

// View returns a copy of the local view of a joined room.
func (c *Client) View(roomId string) (*View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.views[roomId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, roomId)
	}
	return v.clone(), nil
}

// WaitFor blocks until cond holds for the view of roomId.
func (c *Client) WaitFor(ctx context.Context, roomId string, cond func(*View) bool) (*View, error) {
	for {
		if v, err := c.View(roomId); err == nil && cond(v) {
			return v, nil
		}

		select {
		case <-c.updates:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
