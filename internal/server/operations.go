package server

import (
	"context"

	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/types"
)

// JoinRoom records ident as a participant of the room and returns its current
// state. Presence is only tracked for live connections, so it is not touched.
func (cs *ChatServer) JoinRoom(ctx context.Context, roomId string, ident types.Identity) (types.RoomSnapshot, error) {
	var joinErr error
	err := cs.runInRoom(ctx, roomId, func(r *Room) {
		storeCtx, cancel := r.storeCtx()
		defer cancel()

		if _, joinErr = r.addParticipant(storeCtx, ident); joinErr != nil {
			return
		}
		r.touchHistory(storeCtx, ident.UserId)
	})
	if err != nil {
		return types.RoomSnapshot{}, err
	}
	if joinErr != nil {
		return types.RoomSnapshot{}, joinErr
	}

	return database.LoadSnapshot(ctx, cs.db, roomId)
}

func (cs *ChatServer) AddHighlight(ctx context.Context, roomId string, ident types.Identity, req AddHighlight) (HighlightResult, error) {
	var (
		res    HighlightResult
		addErr error
	)
	err := cs.runInRoom(ctx, roomId, func(r *Room) {
		res, addErr = r.addHighlight(ident, req)
	})
	if err != nil {
		return HighlightResult{}, err
	}
	return res, addErr
}

func (cs *ChatServer) AddComment(ctx context.Context, roomId string, ident types.Identity, req AddComment) (types.Comment, error) {
	var (
		comment types.Comment
		addErr  error
	)
	err := cs.runInRoom(ctx, roomId, func(r *Room) {
		storeCtx, cancel := r.storeCtx()
		defer cancel()
		comment, addErr = r.addComment(storeCtx, ident, req)
	})
	if err != nil {
		return types.Comment{}, err
	}
	return comment, addErr
}
