package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-bookclub/internal/document"
	"github.com/npezzotti/go-bookclub/internal/thread"
	"github.com/npezzotti/go-bookclub/internal/types"
)

const (
	insertParticipantQuery = "INSERT INTO participants (room_code, uid, display_name, email, avatar_url, joined_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6) " +
		"ON CONFLICT (room_code, uid) DO UPDATE SET display_name = EXCLUDED.display_name, " +
		"email = EXCLUDED.email, avatar_url = EXCLUDED.avatar_url " +
		"RETURNING joined_at, (xmax = 0) AS inserted"

	highlightColumns = "id, room_code, author_uid, author_name, author_avatar, text, color, start_offset, end_offset, created_at"
	commentColumns   = "id, room_code, highlight_id, author_uid, author_name, author_avatar, text, created_at"
)

func (db *PgRepository) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	if err := room.Validate(); err != nil {
		return types.Room{}, err
	}

	book, err := json.Marshal(room.Book)
	if err != nil {
		return types.Room{}, fmt.Errorf("marshal book: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Room{}, translateError(err, "room")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO rooms (code, book_ref, book, created_by, created_by_name, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		room.Code,
		room.BookRef,
		book,
		room.CreatedBy,
		room.CreatedByName,
		room.CreatedAt.UTC(),
	)
	if err != nil {
		err = translateError(err, fmt.Sprintf("room %q", room.Code))
		return types.Room{}, err
	}

	for _, p := range room.Participants {
		if _, err = tx.ExecContext(ctx, insertParticipantQuery,
			room.Code, p.UserId, p.DisplayName, p.Email, p.AvatarURL, p.JoinedAt.UTC(),
		); err != nil {
			err = translateError(err, "participant")
			return types.Room{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		err = translateError(err, "room")
		return types.Room{}, err
	}

	if room.Participants == nil {
		room.Participants = make(map[string]types.ParticipantInfo)
	}
	if room.Colors == nil {
		room.Colors = make(map[string]string)
	}
	return room, nil
}

func (db *PgRepository) GetRoom(ctx context.Context, code string) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT code, book_ref, book, created_by, created_by_name, created_at FROM rooms "+
			"WHERE code = $1 LIMIT 1",
		code,
	)

	var (
		room types.Room
		book []byte
	)
	err := row.Scan(
		&room.Code,
		&room.BookRef,
		&book,
		&room.CreatedBy,
		&room.CreatedByName,
		&room.CreatedAt,
	)
	if err != nil {
		return types.Room{}, translateError(err, fmt.Sprintf("room %q", code))
	}
	room.CreatedAt = room.CreatedAt.UTC()

	if err := json.Unmarshal(book, &room.Book); err != nil {
		return types.Room{}, fmt.Errorf("decode book of room %q: %w", code, err)
	}

	if room.Participants, err = db.listParticipants(ctx, code); err != nil {
		return types.Room{}, err
	}
	if room.Colors, err = db.listColors(ctx, code); err != nil {
		return types.Room{}, err
	}

	return room, nil
}

func (db *PgRepository) listParticipants(ctx context.Context, code string) (map[string]types.ParticipantInfo, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT uid, display_name, email, avatar_url, joined_at FROM participants WHERE room_code = $1",
		code,
	)
	if err != nil {
		return nil, translateError(err, "participants")
	}
	defer rows.Close()

	participants := make(map[string]types.ParticipantInfo)
	for rows.Next() {
		var p types.ParticipantInfo
		if err := rows.Scan(&p.UserId, &p.DisplayName, &p.Email, &p.AvatarURL, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.JoinedAt = p.JoinedAt.UTC()
		participants[p.UserId] = p
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err, "participants")
	}
	return participants, nil
}

func (db *PgRepository) listColors(ctx context.Context, code string) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT uid, color FROM author_colors WHERE room_code = $1", code)
	if err != nil {
		return nil, translateError(err, "colors")
	}
	defer rows.Close()

	colors := make(map[string]string)
	for rows.Next() {
		var uid, color string
		if err := rows.Scan(&uid, &color); err != nil {
			return nil, fmt.Errorf("scan color: %w", err)
		}
		colors[uid] = color
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err, "colors")
	}
	return colors, nil
}

func (db *PgRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)", code).Scan(&exists)
	if err != nil {
		return false, translateError(err, "room")
	}
	return exists, nil
}

func (db *PgRepository) AddParticipant(ctx context.Context, code string, p types.ParticipantInfo) (types.ParticipantInfo, bool, error) {
	if err := p.Validate(); err != nil {
		return types.ParticipantInfo{}, false, err
	}

	var inserted bool
	err := db.conn.QueryRowContext(ctx, insertParticipantQuery,
		code, p.UserId, p.DisplayName, p.Email, p.AvatarURL, p.JoinedAt.UTC(),
	).Scan(&p.JoinedAt, &inserted)
	if err != nil {
		return types.ParticipantInfo{}, false, translateError(err, fmt.Sprintf("participant of room %q", code))
	}

	p.JoinedAt = p.JoinedAt.UTC()
	return p, inserted, nil
}

func (db *PgRepository) AssignColor(ctx context.Context, code, uid string, palette []string) (string, error) {
	if len(palette) == 0 {
		return "", types.NewValidationError("color", "palette is empty")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", translateError(err, "color")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// The room row serializes assignment across instances.
	var locked string
	if err = tx.QueryRowContext(ctx, "SELECT code FROM rooms WHERE code = $1 FOR UPDATE", code).Scan(&locked); err != nil {
		err = translateError(err, fmt.Sprintf("room %q", code))
		return "", err
	}

	var color string
	err = tx.QueryRowContext(ctx,
		"SELECT color FROM author_colors WHERE room_code = $1 AND uid = $2",
		code, uid,
	).Scan(&color)
	switch {
	case err == nil:
		err = tx.Commit()
		return color, translateError(err, "color")
	case err != sql.ErrNoRows:
		err = translateError(err, "color")
		return "", err
	}

	var position int
	if err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM author_colors WHERE room_code = $1", code,
	).Scan(&position); err != nil {
		err = translateError(err, "color")
		return "", err
	}

	color = document.ColorFor(palette, position)
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO author_colors (room_code, uid, position, color) VALUES ($1, $2, $3, $4)",
		code, uid, position, color,
	); err != nil {
		err = translateError(err, "color")
		return "", err
	}

	if err = tx.Commit(); err != nil {
		err = translateError(err, "color")
		return "", err
	}
	return color, nil
}

func (db *PgRepository) CreateHighlight(ctx context.Context, h types.Highlight) error {
	if err := h.Validate(); err != nil {
		return err
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO highlights ("+highlightColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		h.Id,
		h.RoomCode,
		h.AuthorId,
		h.AuthorName,
		h.AuthorAvatar,
		h.Text,
		h.Color,
		h.StartOffset,
		h.EndOffset,
		h.CreatedAt.UTC(),
	)
	return translateError(err, fmt.Sprintf("highlight %q", h.Id))
}

func (db *PgRepository) GetHighlight(ctx context.Context, code, id string) (types.Highlight, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+highlightColumns+" FROM highlights WHERE room_code = $1 AND id = $2 LIMIT 1",
		code, id,
	)
	h, err := scanHighlight(row)
	if err != nil {
		return types.Highlight{}, translateError(err, fmt.Sprintf("highlight %q", id))
	}
	return h, nil
}

func (db *PgRepository) ListHighlights(ctx context.Context, code string) ([]types.Highlight, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+highlightColumns+" FROM highlights WHERE room_code = $1 ORDER BY created_at, id",
		code,
	)
	if err != nil {
		return nil, translateError(err, "highlights")
	}
	defer rows.Close()

	highlights := make([]types.Highlight, 0)
	for rows.Next() {
		h, err := scanHighlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		highlights = append(highlights, h)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err, "highlights")
	}
	return highlights, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHighlight(s scanner) (types.Highlight, error) {
	var h types.Highlight
	err := s.Scan(
		&h.Id,
		&h.RoomCode,
		&h.AuthorId,
		&h.AuthorName,
		&h.AuthorAvatar,
		&h.Text,
		&h.Color,
		&h.StartOffset,
		&h.EndOffset,
		&h.CreatedAt,
	)
	h.CreatedAt = h.CreatedAt.UTC()
	return h, err
}

func (db *PgRepository) CreateComment(ctx context.Context, c types.Comment) error {
	if err := c.Validate(); err != nil {
		return err
	}

	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO comments ("+commentColumns+") "+
			"SELECT $1, $2, $3, $4, $5, $6, $7, $8 "+
			"WHERE EXISTS (SELECT 1 FROM highlights WHERE id = $3 AND room_code = $2)",
		c.Id,
		c.RoomCode,
		c.HighlightId,
		c.AuthorId,
		c.AuthorName,
		c.AuthorAvatar,
		c.Text,
		c.CreatedAt.UTC(),
	)
	if err != nil {
		return translateError(err, fmt.Sprintf("comment %q", c.Id))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return translateError(err, "comment")
	}
	if n == 0 {
		return fmt.Errorf("highlight %q in room %q: %w", c.HighlightId, c.RoomCode, types.ErrNotFound)
	}
	return nil
}

func (db *PgRepository) ListComments(ctx context.Context, code, highlightId string) ([]types.Comment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if highlightId == "" {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+commentColumns+" FROM comments WHERE room_code = $1 ORDER BY created_at, id",
			code,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+commentColumns+" FROM comments WHERE room_code = $1 AND highlight_id = $2 ORDER BY created_at, id",
			code, highlightId,
		)
	}
	if err != nil {
		return nil, translateError(err, "comments")
	}
	defer rows.Close()

	comments := make([]types.Comment, 0)
	for rows.Next() {
		var c types.Comment
		if err := rows.Scan(
			&c.Id,
			&c.RoomCode,
			&c.HighlightId,
			&c.AuthorId,
			&c.AuthorName,
			&c.AuthorAvatar,
			&c.Text,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		comments = append(comments, c)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err, "comments")
	}

	thread.Sort(comments)
	return comments, nil
}

func (db *PgRepository) PutPresence(ctx context.Context, code string, p types.Presence) error {
	if err := p.Validate(); err != nil {
		return err
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO presence (room_code, uid, display_name, avatar_url, online, last_active) "+
			"VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (room_code, uid) DO UPDATE SET "+
			"display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), presence.display_name), "+
			"avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), presence.avatar_url), "+
			"online = EXCLUDED.online, last_active = EXCLUDED.last_active "+
			"WHERE presence.last_active <= EXCLUDED.last_active",
		code,
		p.UserId,
		p.DisplayName,
		p.AvatarURL,
		p.Online,
		p.LastActive.UTC(),
	)
	return translateError(err, fmt.Sprintf("presence of %q", p.UserId))
}

func (db *PgRepository) ListPresence(ctx context.Context, code string) ([]types.Presence, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT uid, display_name, avatar_url, online, last_active FROM presence WHERE room_code = $1 ORDER BY uid",
		code,
	)
	if err != nil {
		return nil, translateError(err, "presence")
	}
	defer rows.Close()

	presence := make([]types.Presence, 0)
	for rows.Next() {
		var p types.Presence
		if err := rows.Scan(&p.UserId, &p.DisplayName, &p.AvatarURL, &p.Online, &p.LastActive); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.LastActive = p.LastActive.UTC()
		presence = append(presence, p)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err, "presence")
	}
	return presence, nil
}

func (db *PgRepository) TouchRoomHistory(ctx context.Context, e types.RoomHistoryEntry) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO room_history (uid, room_code, book_title, last_accessed) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (uid, room_code) DO UPDATE SET book_title = EXCLUDED.book_title, "+
			"last_accessed = GREATEST(room_history.last_accessed, EXCLUDED.last_accessed)",
		e.UserId,
		e.RoomCode,
		e.BookTitle,
		e.LastAccessed.UTC(),
	)
	return translateError(err, "room history")
}

func (db *PgRepository) ListRecentRooms(ctx context.Context, uid string, limit int) ([]types.RoomHistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentRooms
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT uid, room_code, book_title, last_accessed FROM room_history "+
			"WHERE uid = $1 ORDER BY last_accessed DESC, room_code LIMIT $2",
		uid, limit,
	)
	if err != nil {
		return nil, translateError(err, "room history")
	}
	defer rows.Close()

	entries := make([]types.RoomHistoryEntry, 0, limit)
	for rows.Next() {
		var e types.RoomHistoryEntry
		if err := rows.Scan(&e.UserId, &e.RoomCode, &e.BookTitle, &e.LastAccessed); err != nil {
			return nil, fmt.Errorf("scan room history: %w", err)
		}
		e.LastAccessed = e.LastAccessed.UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, translateError(err, "room history")
	}
	return entries, nil
}
