package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-bookclub/internal/books"
	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/document"
	"github.com/npezzotti/go-bookclub/internal/roomcode"
	"github.com/npezzotti/go-bookclub/internal/server"
	"github.com/npezzotti/go-bookclub/internal/types"
)

type CustomBook struct {
	Title   string `json:"title"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

type CreateRoomRequest struct {
	BookId string      `json:"book_id,omitempty"`
	Custom *CustomBook `json:"custom,omitempty"`
}

type CreateHighlightRequest struct {
	Selection document.Selection `json:"selection"`
	Comment   string             `json:"comment,omitempty"`
}

type CreateCommentRequest struct {
	Text string `json:"text"`
}

func (s *BookClubApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *BookClubApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println("request failed:", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *BookClubApp) identity(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return ident, ok
}

func (s *BookClubApp) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

func (s *BookClubApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Println("health check failed:", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *BookClubApp) listBooks(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.catalog.List())
}

func (s *BookClubApp) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.catalog.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, book)
}

func (s *BookClubApp) bookFor(req CreateRoomRequest, ident types.Identity) (types.Book, error) {
	if req.Custom != nil {
		author := req.Custom.Author
		if strings.TrimSpace(author) == "" {
			author = ident.DisplayName
		}
		return books.Custom(req.Custom.Title, author, req.Custom.Content)
	}
	if req.BookId == "" {
		return types.Book{}, types.NewValidationError("room", "book_id or custom is required")
	}
	return s.catalog.Get(req.BookId)
}

func (s *BookClubApp) createRoom(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if !s.decode(w, r, &req) {
		return
	}

	book, err := s.bookFor(req, ident)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	room := types.Room{
		BookRef:       book.Id,
		Book:          book,
		CreatedBy:     ident.UserId,
		CreatedByName: ident.DisplayName,
		CreatedAt:     now,
		Participants: map[string]types.ParticipantInfo{
			ident.UserId: {
				UserId:      ident.UserId,
				DisplayName: ident.DisplayName,
				Email:       ident.Email,
				AvatarURL:   ident.PhotoURL,
				JoinedAt:    now,
			},
		},
	}

	// A code can be claimed between the existence check and the insert, so the
	// whole sequence is retried on conflict.
	var created types.Room
	gen := roomcode.NewGenerator(s.db.RoomExists)
	for attempt := 1; ; attempt++ {
		room.Code, err = gen.Generate(r.Context())
		if err == nil {
			created, err = s.db.CreateRoom(r.Context(), room)
		}
		if err == nil || !errors.Is(err, types.ErrAlreadyExists) || attempt == maxCreateAttempts {
			break
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.db.TouchRoomHistory(r.Context(), types.RoomHistoryEntry{
		UserId:       ident.UserId,
		RoomCode:     created.Code,
		BookTitle:    book.Title,
		LastAccessed: now,
	}); err != nil {
		s.log.Printf("touch room history %q: %v", created.Code, err)
	}

	s.writeJson(w, http.StatusCreated, created)
}

func (s *BookClubApp) recentRooms(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}

	entries, err := s.db.ListRecentRooms(r.Context(), ident.UserId, database.DefaultRecentRooms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []types.RoomHistoryEntry{}
	}

	s.writeJson(w, http.StatusOK, entries)
}

func (s *BookClubApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.db.GetRoom(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *BookClubApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}

	snapshot, err := s.cs.JoinRoom(r.Context(), r.PathValue("code"), ident)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, snapshot)
}

func (s *BookClubApp) listHighlights(w http.ResponseWriter, r *http.Request) {
	highlights, err := s.db.ListHighlights(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, highlights)
}

func (s *BookClubApp) createHighlight(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req CreateHighlightRequest
	if !s.decode(w, r, &req) {
		return
	}

	code := r.PathValue("code")
	res, err := s.cs.AddHighlight(r.Context(), code, ident, server.AddHighlight{
		RoomId:    code,
		Selection: req.Selection,
		Comment:   req.Comment,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, res)
}

func (s *BookClubApp) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.db.ListComments(r.Context(), r.PathValue("code"), r.URL.Query().Get("highlight_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, comments)
}

func (s *BookClubApp) createComment(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req CreateCommentRequest
	if !s.decode(w, r, &req) {
		return
	}

	code := r.PathValue("code")
	comment, err := s.cs.AddComment(r.Context(), code, ident, server.AddComment{
		RoomId:      code,
		HighlightId: r.PathValue("id"),
		Text:        req.Text,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, comment)
}

func (s *BookClubApp) serveWs(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(ident, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
