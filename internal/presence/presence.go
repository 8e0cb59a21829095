// Package presence tracks which participants of a room are online.
//
// Every connection that joins arms a Disconnect. Firing it (the transport went
// away) marks the user offline once no other armed connection of that user
// remains. A graceful Leave disarms first so a later transport close writes
// nothing. Timestamps always come from the tracker clock and updates are
// applied last-write-wins on LastActive.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-bookclub/internal/types"
)

type entry struct {
	presence types.Presence
	armed    map[string]struct{}
}

type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*entry
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Round(time.Millisecond) }
	}
	return &Tracker{
		now:     now,
		entries: make(map[string]*entry),
	}
}

// Disconnect is the action armed for a single connection.
type Disconnect struct {
	t      *Tracker
	uid    string
	connId string
}

func (d *Disconnect) UserId() string {
	return d.uid
}

// Fire runs the armed action. It returns the new presence and true when the
// user went offline as a result. Firing a cancelled or already fired action is
// a no-op.
func (d *Disconnect) Fire() (types.Presence, bool) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()

	e, ok := d.t.entries[d.uid]
	if !ok || !d.t.disarm(e, d.connId) {
		return types.Presence{}, false
	}
	return d.t.goOffline(e)
}

// Cancel disarms the action without writing anything.
func (d *Disconnect) Cancel() {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()

	if e, ok := d.t.entries[d.uid]; ok {
		d.t.disarm(e, d.connId)
	}
}

// Join marks the identity online and arms a disconnect action for connId.
func (t *Tracker) Join(connId string, id types.Identity) (types.Presence, *Disconnect) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id.UserId]
	if !ok {
		e = &entry{armed: make(map[string]struct{})}
		t.entries[id.UserId] = e
	}
	e.armed[connId] = struct{}{}
	t.write(e, types.Presence{
		UserId:      id.UserId,
		DisplayName: id.DisplayName,
		AvatarURL:   id.PhotoURL,
		Online:      true,
		LastActive:  t.now(),
	})

	return e.presence, &Disconnect{t: t, uid: id.UserId, connId: connId}
}

// Leave is the graceful counterpart of Fire: the action is cancelled and the
// user is written offline directly if this was their last connection.
func (t *Tracker) Leave(d *Disconnect) (types.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[d.uid]
	if !ok || !t.disarm(e, d.connId) {
		return types.Presence{}, false
	}
	return t.goOffline(e)
}

// Heartbeat refreshes LastActive for a user with at least one armed connection.
func (t *Tracker) Heartbeat(uid string) (types.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[uid]
	if !ok || len(e.armed) == 0 {
		return types.Presence{}, false
	}
	p := e.presence
	p.Online = true
	p.LastActive = t.now()
	ok = t.write(e, p)
	return e.presence, ok
}

// Sweep marks offline every online entry whose LastActive is older than
// staleAfter. Connections stay armed so a later heartbeat brings the user back.
func (t *Tracker) Sweep(staleAfter time.Duration) []types.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var changed []types.Presence
	for _, e := range t.entries {
		if !e.presence.Online || now.Sub(e.presence.LastActive) <= staleAfter {
			continue
		}
		p := e.presence
		p.Online = false
		p.LastActive = now
		if t.write(e, p) {
			changed = append(changed, e.presence)
		}
	}
	sortByUser(changed)
	return changed
}

// Apply merges a presence record produced elsewhere, such as the store or
// another server instance. It reports whether the record won.
func (t *Tracker) Apply(p types.Presence) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[p.UserId]
	if !ok {
		e = &entry{armed: make(map[string]struct{})}
		t.entries[p.UserId] = e
	}
	return t.write(e, p)
}

func (t *Tracker) Get(uid string) (types.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[uid]
	if !ok {
		return types.Presence{}, false
	}
	return e.presence, true
}

// List returns every known entry ordered by uid.
func (t *Tracker) List() []types.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.Presence, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.presence)
	}
	sortByUser(out)
	return out
}

// Connections returns the number of armed connections for uid.
func (t *Tracker) Connections(uid string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[uid]; ok {
		return len(e.armed)
	}
	return 0
}

func (t *Tracker) disarm(e *entry, connId string) bool {
	if _, ok := e.armed[connId]; !ok {
		return false
	}
	delete(e.armed, connId)
	return true
}

func (t *Tracker) goOffline(e *entry) (types.Presence, bool) {
	if len(e.armed) > 0 || !e.presence.Online {
		return e.presence, false
	}
	p := e.presence
	p.Online = false
	p.LastActive = t.now()
	ok := t.write(e, p)
	return e.presence, ok
}

// write applies p unless the current entry is strictly newer.
func (t *Tracker) write(e *entry, p types.Presence) bool {
	if !e.presence.LastActive.IsZero() && p.LastActive.Before(e.presence.LastActive) {
		return false
	}
	if p.DisplayName == "" {
		p.DisplayName = e.presence.DisplayName
	}
	if p.AvatarURL == "" {
		p.AvatarURL = e.presence.AvatarURL
	}
	e.presence = p
	return true
}

func sortByUser(ps []types.Presence) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UserId < ps[j].UserId })
}
