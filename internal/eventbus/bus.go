// Package eventbus fans room events out to subscribers.
//
// A subscriber first registers, then loads a snapshot of the room and hands it
// to Start. Events published in between are held and delivered after the
// snapshot, so nothing is lost, though some may repeat what the snapshot
// already contains. Consumers apply events idempotently by entity id.
package eventbus

import (
	"context"
	"errors"
	"log"
	"sync"
)

const DefaultBufferSize = 256

var (
	ErrSlowConsumer = errors.New("eventbus: subscriber fell behind")
	ErrClosed       = errors.New("eventbus: subscription closed")
)

// Relay forwards locally published events to other server instances.
type Relay interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Bus struct {
	mu         sync.Mutex
	subs       map[string]map[*Subscription]struct{}
	seq        map[string]uint64
	relay      Relay
	bufferSize int
	log        *log.Logger
}

func NewBus(bufferSize int, logger *log.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[string]map[*Subscription]struct{}),
		seq:        make(map[string]uint64),
		bufferSize: bufferSize,
		log:        logger,
	}
}

func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// Subscribe registers a subscription for room. Events are held until Start.
func (b *Bus) Subscribe(room string) *Subscription {
	s := &Subscription{
		bus:  b,
		room: room,
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[room] == nil {
		b.subs[room] = make(map[*Subscription]struct{})
	}
	b.subs[room][s] = struct{}{}
	return s
}

// Publish stamps e with the next sequence number of its room, delivers it to
// local subscribers and hands it to the relay.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	b.mu.Lock()
	b.seq[e.Room]++
	e.Seq = b.seq[e.Room]
	relay := b.relay
	b.mu.Unlock()

	b.Deliver(e)

	if relay != nil {
		if err := relay.Publish(ctx, e); err != nil {
			b.log.Printf("relay event %s for room %q: %v", e.Path, e.Room, err)
		}
	}
	return e
}

// Deliver sends e to local subscribers only.
func (b *Bus) Deliver(e Event) {
	for _, s := range b.subscribers(e.Room) {
		s.deliver(e)
	}
}

// Subscribers returns the number of open subscriptions for room.
func (b *Bus) Subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[room])
}

// Close closes every open subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (b *Bus) subscribers(room string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]*Subscription, 0, len(b.subs[room]))
	for s := range b.subs[room] {
		subs = append(subs, s)
	}
	return subs
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[s.room]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, s.room)
		}
	}
}

type Subscription struct {
	bus  *Bus
	room string

	mu      sync.Mutex
	started bool
	closed  bool
	err     error
	pending []Event
	ch      chan Event
	done    chan struct{}
}

func (s *Subscription) Room() string {
	return s.room
}

// Start delivers the snapshot followed by every event held since Subscribe.
func (s *Subscription) Start(snapshot Event) error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("eventbus: subscription already started")
	}

	s.started = true
	events := append([]Event{snapshot}, s.pending...)
	s.pending = nil
	for _, e := range events {
		if !s.send(e) {
			s.mu.Unlock()
			s.bus.remove(s)
			return ErrSlowConsumer
		}
	}
	s.mu.Unlock()
	return nil
}

// Events is closed when the subscription ends. Err tells why.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns ErrSlowConsumer if the subscription was dropped for falling
// behind, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() {
	s.mu.Lock()
	closed := s.shutdown(nil)
	s.mu.Unlock()

	if closed {
		s.bus.remove(s)
	}
}

func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	ok := true
	if !s.started {
		if len(s.pending) >= cap(s.ch) {
			s.shutdown(ErrSlowConsumer)
			ok = false
		} else {
			s.pending = append(s.pending, e)
		}
	} else {
		ok = s.send(e)
	}
	s.mu.Unlock()

	if !ok {
		s.bus.remove(s)
	}
}

// send must be called with s.mu held.
func (s *Subscription) send(e Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		s.shutdown(ErrSlowConsumer)
		return false
	}
}

// shutdown must be called with s.mu held.
func (s *Subscription) shutdown(err error) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	s.pending = nil
	close(s.ch)
	close(s.done)
	return true
}
