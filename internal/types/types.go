package types

import (
	"time"
	"unicode/utf8"
)

// Identity is the read-only view of a user issued by the identity provider.
type Identity struct {
	UserId      string `json:"uid"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
	Email       string `json:"email,omitempty"`
}

type Chapter struct {
	Id      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type Book struct {
	Id       string    `json:"id"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	Chapters []Chapter `json:"chapters"`
}

// BookSummary is a catalog entry without chapter text.
type BookSummary struct {
	Id           string `json:"id"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	ChapterCount int    `json:"chapter_count"`
}

type ParticipantInfo struct {
	UserId      string    `json:"uid"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

type Room struct {
	Code          string                     `json:"code"`
	BookRef       string                     `json:"book_ref"`
	Book          Book                       `json:"book"`
	CreatedBy     string                     `json:"created_by"`
	CreatedByName string                     `json:"created_by_name"`
	CreatedAt     time.Time                  `json:"created_at"`
	Participants  map[string]ParticipantInfo `json:"participants"`
	// Colors maps author uid to the highlight color assigned on their first highlight.
	Colors map[string]string `json:"colors"`
}

type Presence struct {
	UserId      string    `json:"uid"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Online      bool      `json:"online"`
	LastActive  time.Time `json:"last_active"`
}

type Highlight struct {
	Id           string    `json:"id"`
	RoomCode     string    `json:"room_code"`
	AuthorId     string    `json:"author_uid"`
	AuthorName   string    `json:"author_name,omitempty"`
	AuthorAvatar string    `json:"author_avatar,omitempty"`
	Text         string    `json:"text"`
	Color        string    `json:"color"`
	StartOffset  int       `json:"start_offset"`
	EndOffset    int       `json:"end_offset"`
	CreatedAt    time.Time `json:"created_at"`
}

type Comment struct {
	Id           string    `json:"id"`
	RoomCode     string    `json:"room_code"`
	HighlightId  string    `json:"highlight_id"`
	AuthorId     string    `json:"author_uid"`
	AuthorName   string    `json:"author_name,omitempty"`
	AuthorAvatar string    `json:"author_avatar,omitempty"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
}

type RoomHistoryEntry struct {
	UserId       string    `json:"uid"`
	RoomCode     string    `json:"room_code"`
	BookTitle    string    `json:"book_title"`
	LastAccessed time.Time `json:"last_accessed"`
}

// RoomSnapshot is the full state a new subscriber receives before incremental events.
type RoomSnapshot struct {
	Room       Room        `json:"room"`
	Highlights []Highlight `json:"highlights"`
	Comments   []Comment   `json:"comments"`
	Presence   []Presence  `json:"presence"`
}

func (b Book) Validate() error {
	if b.Id == "" {
		return NewValidationError("book", "id is required")
	}
	if b.Title == "" {
		return NewValidationError("book", "title is required")
	}
	if len(b.Chapters) == 0 {
		return NewValidationError("book", "at least one chapter is required")
	}
	for _, ch := range b.Chapters {
		if ch.Id == "" {
			return NewValidationError("chapter", "id is required")
		}
	}
	return nil
}

func (p ParticipantInfo) Validate() error {
	if p.UserId == "" {
		return NewValidationError("participant", "uid is required")
	}
	if p.JoinedAt.IsZero() {
		return NewValidationError("participant", "joined_at is required")
	}
	return nil
}

func (r Room) Validate() error {
	if r.Code == "" {
		return NewValidationError("room", "code is required")
	}
	if r.CreatedBy == "" {
		return NewValidationError("room", "created_by is required")
	}
	if r.CreatedAt.IsZero() {
		return NewValidationError("room", "created_at is required")
	}
	if r.BookRef == "" {
		return NewValidationError("room", "book_ref is required")
	}
	if err := r.Book.Validate(); err != nil {
		return err
	}
	for uid, p := range r.Participants {
		if uid != p.UserId {
			return NewValidationError("room", "participant key does not match uid")
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p Presence) Validate() error {
	if p.UserId == "" {
		return NewValidationError("presence", "uid is required")
	}
	if p.LastActive.IsZero() {
		return NewValidationError("presence", "last_active is required")
	}
	return nil
}

func (h Highlight) Validate() error {
	switch {
	case h.Id == "":
		return NewValidationError("highlight", "id is required")
	case h.RoomCode == "":
		return NewValidationError("highlight", "room_code is required")
	case h.AuthorId == "":
		return NewValidationError("highlight", "author_uid is required")
	case h.Text == "":
		return NewValidationError("highlight", "text is required")
	case h.Color == "":
		return NewValidationError("highlight", "color is required")
	case h.StartOffset < 0 || h.EndOffset <= h.StartOffset:
		return NewValidationError("highlight", "invalid offsets")
	case h.EndOffset-h.StartOffset != utf8.RuneCountInString(h.Text):
		return NewValidationError("highlight", "offsets do not match text length")
	case h.CreatedAt.IsZero():
		return NewValidationError("highlight", "created_at is required")
	}
	return nil
}

func (c Comment) Validate() error {
	switch {
	case c.Id == "":
		return NewValidationError("comment", "id is required")
	case c.RoomCode == "":
		return NewValidationError("comment", "room_code is required")
	case c.HighlightId == "":
		return NewValidationError("comment", "highlight_id is required")
	case c.AuthorId == "":
		return NewValidationError("comment", "author_uid is required")
	case c.Text == "":
		return NewValidationError("comment", "text is required")
	case c.CreatedAt.IsZero():
		return NewValidationError("comment", "created_at is required")
	}
	return nil
}
