package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/document"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/presence"
	"github.com/npezzotti/go-bookclub/internal/thread"
	"github.com/npezzotti/go-bookclub/internal/types"
	"github.com/teris-io/shortid"
)

const maxResubscribeAttempts = 3

var (
	errUnknownHighlight = errors.New("unknown highlight")
	ErrNotParticipant   = errors.New("not a participant of the room")
)

type exitReq struct {
	// force unloads the room even if it still has clients.
	force bool
	done  chan bool
}

type resyncReq struct {
	client *Client
	sub    *eventbus.Subscription
}

// member is the per-connection state a room keeps for a joined client.
type member struct {
	disconnect *presence.Disconnect
	sub        *eventbus.Subscription
}

type Room struct {
	externalId    string
	info          types.Room
	doc           *document.Document
	tracker       *presence.Tracker
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	execChan      chan func()
	resyncChan    chan resyncReq
	clients       map[*Client]*member
	userMap       map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room once it has been idle for IdleRoomTimeout.
	killTimer *time.Timer
	exit      chan exitReq
	// done is closed when the room goroutine returns.
	done chan struct{}
}

func newRoom(ctx context.Context, cs *ChatServer, roomId string) (*Room, error) {
	info, err := cs.db.GetRoom(ctx, roomId)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if info.Participants == nil {
		info.Participants = make(map[string]types.ParticipantInfo)
	}
	if info.Colors == nil {
		info.Colors = make(map[string]string)
	}

	return &Room{
		externalId:    roomId,
		info:          info,
		doc:           document.New(info.Book),
		tracker:       presence.NewTracker(Now),
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 64),
		leaveChan:     make(chan *ClientMessage, 64),
		clientMsgChan: make(chan *ClientMessage, 256),
		execChan:      make(chan func(), 64),
		resyncChan:    make(chan resyncReq, 64),
		clients:       make(map[*Client]*member),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq, 1),
		done:          make(chan struct{}),
	}, nil
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(r.cs.opts.IdleRoomTimeout)

	var sweep <-chan time.Time
	if r.cs.opts.SweepInterval > 0 {
		ticker := time.NewTicker(r.cs.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Highlight != nil:
				r.handleHighlight(msg)
			case msg.Comment != nil:
				r.handleComment(msg)
			case msg.Heartbeat != nil:
				r.handleHeartbeat(msg)
			}
		case fn := <-r.execChan:
			fn()
			if len(r.clients) == 0 {
				r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
			}
		case req := <-r.resyncChan:
			r.handleResync(req)
		case <-sweep:
			r.sweepPresence()
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

// do runs fn on the room goroutine and waits for it to finish.
func (r *Room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		fn()
		close(finished)
	}

	select {
	case r.execChan <- task:
	case <-r.done:
		return errRoomNotLoaded
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return errRoomNotLoaded
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cs.opts.StoreTimeout)
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		r.log.Printf("unload channel full, retrying unload of %q later", r.externalId)
		r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
	}
}

// handleRoomExit reports whether the room exited.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.force && (len(r.clients) > 0 || len(r.joinChan) > 0 || len(r.execChan) > 0) {
		if len(r.clients) == 0 {
			r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
		}
		e.done <- false
		return false
	}

	r.log.Printf("room %q is exiting", r.externalId)
	r.killTimer.Stop()

	ctx, cancel := r.storeCtx()
	defer cancel()

	r.clientLock.Lock()
	for c, m := range r.clients {
		if p, changed := m.disconnect.Fire(); changed {
			r.setPresence(ctx, p)
		}
		m.sub.Close()
		c.delRoom(r.externalId)
	}
	r.clients = make(map[*Client]*member)
	r.userMap = make(map[string]map[*Client]struct{})
	r.clientLock.Unlock()

	close(r.done)
	e.done <- true
	return true
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	c := join.client
	if m, ok := r.clients[c]; ok {
		// A repeated join restarts the stream from a fresh snapshot.
		sub, err := r.subscribe(eventbus.TypeSnapshot)
		if err != nil {
			r.log.Printf("resubscribe %q to room %q: %v", c.user.UserId, r.externalId, err)
			c.queueMessage(errorResponse(join.Id, err))
			return
		}
		m.sub.Close()
		m.sub = sub
		c.queueMessage(NoErrOK(join.Id, r.participant(c.user.UserId)))
		go c.forward(r, sub)
		return
	}

	// The connection may have gone away while the join was queued.
	if c.isDetached() {
		r.resetIfIdle()
		return
	}

	ctx, cancel := r.storeCtx()
	defer cancel()

	participant, err := r.addParticipant(ctx, c.user)
	if err != nil {
		r.log.Printf("add participant %q to room %q: %v", c.user.UserId, r.externalId, err)
		r.resetIfIdle()
		c.queueMessage(errorResponse(join.Id, err))
		return
	}

	p, disconnect := r.tracker.Join(c.connId, c.user)
	r.setPresence(ctx, p)

	sub, err := r.subscribe(eventbus.TypeSnapshot)
	if err != nil {
		r.log.Printf("subscribe %q to room %q: %v", c.user.UserId, r.externalId, err)
		if p, changed := r.tracker.Leave(disconnect); changed {
			r.setPresence(ctx, p)
		}
		r.resetIfIdle()
		c.queueMessage(errorResponse(join.Id, err))
		return
	}

	if !r.addClient(c, &member{disconnect: disconnect, sub: sub}) {
		if p, changed := disconnect.Fire(); changed {
			r.setPresence(ctx, p)
		}
		sub.Close()
		r.resetIfIdle()
		return
	}
	r.touchHistory(ctx, c.user.UserId)

	c.queueMessage(NoErrOK(join.Id, participant))
	go c.forward(r, sub)
}

// subscribe opens a subscription started from a snapshot taken after it was
// registered.
func (r *Room) subscribe(typ eventbus.EventType) (*eventbus.Subscription, error) {
	ctx, cancel := r.storeCtx()
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxResubscribeAttempts; attempt++ {
		sub := r.cs.bus.Subscribe(r.externalId)
		snapshot, err := database.LoadSnapshot(ctx, r.cs.db, r.externalId)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("load snapshot: %w", err)
		}

		e, err := eventbus.NewEvent(r.externalId, typ, eventbus.RoomPath(r.externalId), snapshot)
		if err != nil {
			sub.Close()
			return nil, err
		}

		if lastErr = sub.Start(e); lastErr == nil {
			return sub, nil
		}
		sub.Close()
	}
	return nil, fmt.Errorf("start subscription: %w", lastErr)
}

func (r *Room) handleResync(req resyncReq) {
	m, ok := r.clients[req.client]
	if !ok || m.sub != req.sub {
		return
	}

	r.log.Printf("resyncing %q in room %q", req.client.user.UserId, r.externalId)
	sub, err := r.subscribe(eventbus.TypeResync)
	if err != nil {
		r.log.Printf("resync %q in room %q: %v", req.client.user.UserId, r.externalId, err)
		r.handleLeave(&ClientMessage{
			Leave:   &Leave{RoomId: r.externalId},
			severed: true,
			client:  req.client,
		})
		req.client.queueMessage(ErrServiceUnavailable(0))
		return
	}

	m.sub = sub
	r.cs.stats.Incr(statResyncs)
	go req.client.forward(r, sub)
}

func (r *Room) handleLeave(msg *ClientMessage) {
	c := msg.client
	m, ok := r.clients[c]
	if !ok {
		if !msg.severed {
			c.queueMessage(ErrNotJoined(msg.Id))
		}
		return
	}

	var (
		p       types.Presence
		changed bool
	)
	if msg.severed {
		p, changed = m.disconnect.Fire()
	} else {
		p, changed = r.tracker.Leave(m.disconnect)
	}

	if changed {
		ctx, cancel := r.storeCtx()
		r.setPresence(ctx, p)
		cancel()
	}

	m.sub.Close()
	r.removeClient(c)

	if !msg.severed {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func (r *Room) handleHeartbeat(msg *ClientMessage) {
	p, ok := r.tracker.Heartbeat(msg.GetUserId())
	if ok {
		ctx, cancel := r.storeCtx()
		r.setPresence(ctx, p)
		cancel()
	}

	// Heartbeats from pongs carry no id and expect no answer.
	if msg.Id == 0 {
		return
	}
	if !ok {
		msg.client.queueMessage(ErrNotJoined(msg.Id))
		return
	}
	msg.client.queueMessage(NoErrOK(msg.Id, p))
}

func (r *Room) handleHighlight(msg *ClientMessage) {
	res, err := r.addHighlight(msg.client.user, *msg.Highlight)
	if err != nil {
		r.log.Printf("add highlight in room %q: %v", r.externalId, err)
		msg.client.queueMessage(errorResponse(msg.Id, err))
		return
	}
	msg.client.queueMessage(NoErrCreated(msg.Id, res))
}

func (r *Room) handleComment(msg *ClientMessage) {
	ctx, cancel := r.storeCtx()
	defer cancel()

	comment, err := r.addComment(ctx, msg.client.user, *msg.Comment)
	if err != nil {
		r.log.Printf("add comment in room %q: %v", r.externalId, err)
		msg.client.queueMessage(errorResponse(msg.Id, err))
		return
	}
	msg.client.queueMessage(NoErrCreated(msg.Id, comment))
}

// addParticipant upserts the identity as a participant and announces any
// change to the membership record.
func (r *Room) addParticipant(ctx context.Context, ident types.Identity) (types.ParticipantInfo, error) {
	stored, created, err := r.cs.db.AddParticipant(ctx, r.externalId, types.ParticipantInfo{
		UserId:      ident.UserId,
		DisplayName: ident.DisplayName,
		Email:       ident.Email,
		AvatarURL:   ident.PhotoURL,
		JoinedAt:    Now(),
	})
	if err != nil {
		return types.ParticipantInfo{}, err
	}

	if prev, ok := r.info.Participants[stored.UserId]; created || !ok || !sameParticipant(prev, stored) {
		r.info.Participants[stored.UserId] = stored
		r.publish(ctx, eventbus.TypeParticipant, eventbus.ParticipantPath(r.externalId, stored.UserId), stored)
	}
	return stored, nil
}

func sameParticipant(a, b types.ParticipantInfo) bool {
	return a.UserId == b.UserId &&
		a.DisplayName == b.DisplayName &&
		a.Email == b.Email &&
		a.AvatarURL == b.AvatarURL &&
		a.JoinedAt.Equal(b.JoinedAt)
}

func (r *Room) participant(uid string) types.ParticipantInfo {
	return r.info.Participants[uid]
}

// requireParticipant checks membership, refreshing the cached room from the
// store when another instance may have added the user.
func (r *Room) requireParticipant(ctx context.Context, uid string) error {
	if _, ok := r.info.Participants[uid]; ok {
		return nil
	}

	info, err := r.cs.db.GetRoom(ctx, r.externalId)
	if err != nil {
		return err
	}
	for id, p := range info.Participants {
		r.info.Participants[id] = p
	}
	for id, color := range info.Colors {
		r.info.Colors[id] = color
	}

	if _, ok := r.info.Participants[uid]; !ok {
		return ErrNotParticipant
	}
	return nil
}

func (r *Room) addHighlight(ident types.Identity, req AddHighlight) (HighlightResult, error) {
	span, err := r.doc.Resolve(req.Selection)
	if err != nil {
		return HighlightResult{}, err
	}

	ctx, cancel := r.storeCtx()
	defer cancel()

	if err := r.requireParticipant(ctx, ident.UserId); err != nil {
		return HighlightResult{}, err
	}

	color, err := r.cs.db.AssignColor(ctx, r.externalId, ident.UserId, document.Palette)
	if err != nil {
		return HighlightResult{}, fmt.Errorf("assign color: %w", err)
	}
	if r.info.Colors[ident.UserId] != color {
		r.info.Colors[ident.UserId] = color
		r.publish(ctx, eventbus.TypeRoom, eventbus.RoomPath(r.externalId), r.summary())
	}

	id, err := shortid.Generate()
	if err != nil {
		return HighlightResult{}, fmt.Errorf("generate highlight id: %w", err)
	}

	h := types.Highlight{
		Id:           id,
		RoomCode:     r.externalId,
		AuthorId:     ident.UserId,
		AuthorName:   ident.DisplayName,
		AuthorAvatar: ident.PhotoURL,
		Text:         span.Text,
		Color:        color,
		StartOffset:  span.Start,
		EndOffset:    span.End,
		CreatedAt:    Now(),
	}
	if err := h.Validate(); err != nil {
		return HighlightResult{}, err
	}
	if err := r.cs.db.CreateHighlight(ctx, h); err != nil {
		return HighlightResult{}, fmt.Errorf("create highlight: %w", err)
	}

	r.publish(ctx, eventbus.TypeHighlight, eventbus.HighlightPath(r.externalId, h.Id), h)
	r.cs.stats.Incr(statHighlights)

	res := HighlightResult{Highlight: h}
	if strings.TrimSpace(req.Comment) == "" {
		return res, nil
	}

	comment, err := r.addComment(ctx, ident, AddComment{
		RoomId:      r.externalId,
		HighlightId: h.Id,
		Text:        req.Comment,
	})
	if err != nil {
		r.log.Printf("add companion comment to highlight %q: %v", h.Id, err)
		res.CommentError = err.Error()
		return res, nil
	}
	res.Comment = &comment
	return res, nil
}

func (r *Room) addComment(ctx context.Context, ident types.Identity, req AddComment) (types.Comment, error) {
	text, err := thread.NormalizeText(req.Text)
	if err != nil {
		return types.Comment{}, err
	}
	if req.HighlightId == "" {
		return types.Comment{}, types.NewValidationError("comment", "highlight_id is required")
	}
	if err := r.requireParticipant(ctx, ident.UserId); err != nil {
		return types.Comment{}, err
	}

	id, err := shortid.Generate()
	if err != nil {
		return types.Comment{}, fmt.Errorf("generate comment id: %w", err)
	}

	c := types.Comment{
		Id:           id,
		RoomCode:     r.externalId,
		HighlightId:  req.HighlightId,
		AuthorId:     ident.UserId,
		AuthorName:   ident.DisplayName,
		AuthorAvatar: ident.PhotoURL,
		Text:         text,
		CreatedAt:    Now(),
	}
	if err := r.cs.db.CreateComment(ctx, c); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.Comment{}, fmt.Errorf("%w %q: %w", errUnknownHighlight, req.HighlightId, err)
		}
		return types.Comment{}, fmt.Errorf("create comment: %w", err)
	}

	r.publish(ctx, eventbus.TypeComment, eventbus.CommentPath(r.externalId, c.HighlightId, c.Id), c)
	r.cs.stats.Incr(statComments)
	return c, nil
}

// sweepPresence marks offline every online entry that stopped heartbeating.
// Entries owned by connections on other instances are swept from the store so
// a crashed instance cannot leave users online forever.
func (r *Room) sweepPresence() {
	ctx, cancel := r.storeCtx()
	defer cancel()

	staleAfter := r.cs.opts.PresenceStaleAfter
	for _, p := range r.tracker.Sweep(staleAfter) {
		r.setPresence(ctx, p)
	}

	stored, err := r.cs.db.ListPresence(ctx, r.externalId)
	if err != nil {
		r.log.Printf("list presence for room %q: %v", r.externalId, err)
		return
	}

	now := Now()
	for _, p := range stored {
		if !p.Online || r.tracker.Connections(p.UserId) > 0 || now.Sub(p.LastActive) <= staleAfter {
			continue
		}
		p.Online = false
		p.LastActive = now
		if r.tracker.Apply(p) {
			r.setPresence(ctx, p)
		}
	}
}

// setPresence persists p and announces it. A failed write is logged and the
// event still goes out so connected readers see the change.
func (r *Room) setPresence(ctx context.Context, p types.Presence) {
	if err := r.cs.db.PutPresence(ctx, r.externalId, p); err != nil {
		r.log.Printf("put presence %q in room %q: %v", p.UserId, r.externalId, err)
	}
	r.publish(ctx, eventbus.TypePresence, eventbus.PresencePath(r.externalId, p.UserId), p)
}

func (r *Room) touchHistory(ctx context.Context, uid string) {
	err := r.cs.db.TouchRoomHistory(ctx, types.RoomHistoryEntry{
		UserId:       uid,
		RoomCode:     r.externalId,
		BookTitle:    r.info.Book.Title,
		LastAccessed: Now(),
	})
	if err != nil {
		r.log.Printf("touch history of %q for room %q: %v", uid, r.externalId, err)
	}
}

func (r *Room) publish(ctx context.Context, typ eventbus.EventType, path string, payload any) {
	e, err := eventbus.NewEvent(r.externalId, typ, path, payload)
	if err != nil {
		r.log.Printf("build %s event for room %q: %v", typ, r.externalId, err)
		return
	}
	r.cs.bus.Publish(ctx, e)
}

// summary is the room metadata without chapter text.
func (r *Room) summary() types.Room {
	info := r.info
	info.Book = types.Book{Id: r.info.Book.Id, Title: r.info.Book.Title, Author: r.info.Book.Author}
	info.Participants = make(map[string]types.ParticipantInfo, len(r.info.Participants))
	for id, p := range r.info.Participants {
		info.Participants[id] = p
	}
	info.Colors = make(map[string]string, len(r.info.Colors))
	for id, color := range r.info.Colors {
		info.Colors[id] = color
	}
	return info
}

func (r *Room) resetIfIdle() {
	if len(r.clients) == 0 {
		r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
	}
}

// addClient attaches c to the room. It reports false, leaving the room
// untouched, when c has already detached.
func (r *Room) addClient(c *Client, m *member) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if !c.addRoom(r) {
		return false
	}

	r.clients[c] = m
	if r.userMap[c.user.UserId] == nil {
		r.userMap[c.user.UserId] = make(map[*Client]struct{})
	}
	r.userMap[c.user.UserId][c] = struct{}{}
	return true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.UserId]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.UserId)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(r.cs.opts.IdleRoomTimeout)
	}
}
