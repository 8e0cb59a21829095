package eventbus

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	TypeSnapshot    EventType = "snapshot"
	TypeRoom        EventType = "room"
	TypeParticipant EventType = "participant"
	TypePresence    EventType = "presence"
	TypeHighlight   EventType = "highlight"
	TypeComment     EventType = "comment"
	TypeResync      EventType = "resync"
)

// Event is one change to a room. Path names the key that changed, for example
// "rooms/ABC123/highlights/h1". Events for the same path are delivered in
// publish order.
type Event struct {
	Room    string          `json:"room"`
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

func NewEvent(room string, typ EventType, path string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{Room: room, Type: typ, Path: path, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func RoomPath(room string) string {
	return "rooms/" + room
}

func ParticipantPath(room, uid string) string {
	return RoomPath(room) + "/participants/" + uid
}

func PresencePath(room, uid string) string {
	return RoomPath(room) + "/presence/" + uid
}

func HighlightPath(room, id string) string {
	return RoomPath(room) + "/highlights/" + id
}

func CommentPath(room, highlightId, id string) string {
	return RoomPath(room) + "/comments/" + highlightId + "/" + id
}
