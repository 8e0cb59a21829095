package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-bookclub/internal/document"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join      *Join         `json:"join,omitempty"`
	Leave     *Leave        `json:"leave,omitempty"`
	Highlight *AddHighlight `json:"highlight,omitempty"`
	Comment   *AddComment   `json:"comment,omitempty"`
	Heartbeat *Heartbeat    `json:"heartbeat,omitempty"`
	UserId    string        `json:"-"`
	// severed marks a leave produced by the transport going away.
	severed bool
	client  *Client
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type AddHighlight struct {
	RoomId    string             `json:"room_id"`
	Selection document.Selection `json:"selection"`
	// Comment, when set, is saved as the first comment of the new highlight.
	Comment string `json:"comment,omitempty"`
}

type AddComment struct {
	RoomId      string `json:"room_id"`
	HighlightId string `json:"highlight_id"`
	Text        string `json:"text"`
}

type Heartbeat struct {
	RoomId string `json:"room_id"`
}

// RoomId returns the room the message is addressed to.
func (cm *ClientMessage) RoomId() string {
	switch {
	case cm.Join != nil:
		return cm.Join.RoomId
	case cm.Leave != nil:
		return cm.Leave.RoomId
	case cm.Highlight != nil:
		return cm.Highlight.RoomId
	case cm.Comment != nil:
		return cm.Comment.RoomId
	case cm.Heartbeat != nil:
		return cm.Heartbeat.RoomId
	}
	return ""
}

func (cm *ClientMessage) GetUserId() string {
	if cm.UserId != "" {
		return cm.UserId
	}
	if cm.client != nil {
		return cm.client.user.UserId
	}
	return ""
}

type ServerMessage struct {
	BaseMessage
	Response *Response       `json:"response,omitempty"`
	Event    *eventbus.Event `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// HighlightResult is the outcome of adding a highlight. The companion comment
// is saved independently, so CommentError may be set while the highlight
// itself was stored.
type HighlightResult struct {
	Highlight    types.Highlight `json:"highlight"`
	Comment      *types.Comment  `json:"comment,omitempty"`
	CommentError string          `json:"comment_error,omitempty"`
}

func response(id, code int, data any, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, data, "")
}

func NoErrCreated(id int, data any) *ServerMessage {
	return response(id, http.StatusCreated, data, "")
}

func ErrRoomNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, nil, "room not found")
}

func ErrNotJoined(id int) *ServerMessage {
	return response(id, http.StatusNotFound, nil, "not joined to room")
}

func ErrNotFound(id int, what string) *ServerMessage {
	return response(id, http.StatusNotFound, nil, what+" not found")
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return response(id, http.StatusBadRequest, nil, reason)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, nil, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, nil, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, nil, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

// errorResponse maps err onto a response code.
func errorResponse(id int, err error) *ServerMessage {
	var vErr *types.ValidationError
	switch {
	case errors.As(err, &vErr):
		return ErrBadRequest(id, vErr.Error())
	case errors.Is(err, errRoomNotLoaded), errors.Is(err, types.ErrTransientIO):
		return ErrServiceUnavailable(id)
	case errors.Is(err, ErrNotParticipant):
		return ErrNotJoined(id)
	case errors.Is(err, types.ErrNotFound):
		return ErrNotFound(id, notFoundSubject(err))
	case errors.Is(err, types.ErrAlreadyExists):
		return response(id, http.StatusConflict, nil, "already exists")
	}
	return ErrInternalError(id)
}

func notFoundSubject(err error) string {
	if errors.Is(err, errUnknownHighlight) {
		return "highlight"
	}
	return "room"
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
