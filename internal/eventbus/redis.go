package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "bookclub:room:"

func Channel(room string) string {
	return channelPrefix + room
}

// NewRedisClient connects to the server at url and checks it is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// RedisRelay shares events between server instances over Redis pub/sub. Events
// received from other instances are delivered to the local bus. Each relay
// ignores the messages it published itself.
type RedisRelay struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	bus        *Bus
	instanceId string
	log        *log.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ Relay = (*RedisRelay)(nil)

func NewRedisRelay(ctx context.Context, client *redis.Client, bus *Bus, logger *log.Logger) (*RedisRelay, error) {
	ps := client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	r := &RedisRelay{
		client:     client,
		pubsub:     ps,
		bus:        bus,
		instanceId: uuid.NewString(),
		log:        logger,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

func (r *RedisRelay) InstanceId() string {
	return r.instanceId
}

func (r *RedisRelay) Publish(ctx context.Context, e Event) error {
	e.Origin = r.instanceId
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(e.Room), data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

func (r *RedisRelay) run() {
	defer r.wg.Done()

	for msg := range r.pubsub.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			r.log.Printf("relay: discarding malformed message on %s: %v", msg.Channel, err)
			continue
		}
		if e.Origin == r.instanceId {
			continue
		}
		if e.Room == "" {
			e.Room = strings.TrimPrefix(msg.Channel, channelPrefix)
		}
		e.Origin = ""
		r.bus.Deliver(e)
	}
}

// Close stops receiving. The client is owned by the caller.
func (r *RedisRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}
