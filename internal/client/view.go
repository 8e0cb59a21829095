package client

import (
	"fmt"
	"sort"

	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/thread"
	"github.com/npezzotti/go-bookclub/internal/types"
)

// View is a reader's local copy of one room, rebuilt from a snapshot and then
// kept current by applying events. Applying the same event twice is harmless.
type View struct {
	room       types.Room
	highlights map[string]types.Highlight
	comments   map[string]types.Comment
	presence   map[string]types.Presence
	seq        uint64
}

func NewView(s types.RoomSnapshot) *View {
	v := &View{
		room:       s.Room,
		highlights: make(map[string]types.Highlight, len(s.Highlights)),
		comments:   make(map[string]types.Comment, len(s.Comments)),
		presence:   make(map[string]types.Presence, len(s.Presence)),
	}
	if v.room.Participants == nil {
		v.room.Participants = make(map[string]types.ParticipantInfo)
	}
	for _, h := range s.Highlights {
		v.highlights[h.Id] = h
	}
	for _, c := range s.Comments {
		v.comments[c.Id] = c
	}
	for _, p := range s.Presence {
		v.presence[p.UserId] = p
	}
	return v
}

// Apply folds an incremental event into the view. Snapshot and resync events
// must go through NewView instead.
func (v *View) Apply(e eventbus.Event) error {
	switch e.Type {
	case eventbus.TypeRoom:
		var room types.Room
		if err := e.Decode(&room); err != nil {
			return err
		}
		// room events carry no chapter text
		room.Book = v.room.Book
		if room.Participants == nil {
			room.Participants = v.room.Participants
		}
		v.room = room
	case eventbus.TypeParticipant:
		var p types.ParticipantInfo
		if err := e.Decode(&p); err != nil {
			return err
		}
		v.room.Participants[p.UserId] = p
	case eventbus.TypePresence:
		var p types.Presence
		if err := e.Decode(&p); err != nil {
			return err
		}
		if cur, ok := v.presence[p.UserId]; ok && cur.LastActive.After(p.LastActive) {
			break
		}
		v.presence[p.UserId] = p
	case eventbus.TypeHighlight:
		var h types.Highlight
		if err := e.Decode(&h); err != nil {
			return err
		}
		v.highlights[h.Id] = h
	case eventbus.TypeComment:
		var c types.Comment
		if err := e.Decode(&c); err != nil {
			return err
		}
		v.comments[c.Id] = c
	default:
		return fmt.Errorf("unexpected %s event", e.Type)
	}

	if e.Seq > v.seq {
		v.seq = e.Seq
	}
	return nil
}

func (v *View) Room() types.Room {
	return v.room
}

// Highlights returns the highlights in document order.
func (v *View) Highlights() []types.Highlight {
	out := make([]types.Highlight, 0, len(v.highlights))
	for _, h := range v.highlights {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartOffset != out[j].StartOffset {
			return out[i].StartOffset < out[j].StartOffset
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// Comments returns the thread of one highlight. Threads are only assembled
// when asked for.
func (v *View) Comments(highlightId string) []types.Comment {
	all := make([]types.Comment, 0, len(v.comments))
	for _, c := range v.comments {
		all = append(all, c)
	}
	return thread.For(all, highlightId)
}

func (v *View) CommentCount() int {
	return len(v.comments)
}

func (v *View) Presence(uid string) (types.Presence, bool) {
	p, ok := v.presence[uid]
	return p, ok
}

func (v *View) Online() []types.Presence {
	var out []types.Presence
	for _, p := range v.presence {
		if p.Online {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

func (v *View) clone() *View {
	c := &View{
		room:       v.room,
		highlights: make(map[string]types.Highlight, len(v.highlights)),
		comments:   make(map[string]types.Comment, len(v.comments)),
		presence:   make(map[string]types.Presence, len(v.presence)),
		seq:        v.seq,
	}
	c.room.Participants = make(map[string]types.ParticipantInfo, len(v.room.Participants))
	for k, p := range v.room.Participants {
		c.room.Participants[k] = p
	}
	c.room.Colors = make(map[string]string, len(v.room.Colors))
	for k, color := range v.room.Colors {
		c.room.Colors[k] = color
	}
	for k, h := range v.highlights {
		c.highlights[k] = h
	}
	for k, cm := range v.comments {
		c.comments[k] = cm
	}
	for k, p := range v.presence {
		c.presence[k] = p
	}
	return c
}
