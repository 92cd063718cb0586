package redisstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus publishes mesh lifecycle events to a redis stream so external tooling
// can watch peer churn without joining the mesh.
type Bus struct {
	cli    *redis.Client
	stream string
	group  string
}

// Event 一条生命周期记录
type Event struct {
	Type   string    `json:"type"` // peer.online|peer.offline|peer.heartbeat_lost
	When   time.Time `json:"when"`
	ConnID string    `json:"conn_id"`
	Name   string    `json:"name,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

func New(addr string, db int, stream, group string) *Bus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Bus{cli: cli, stream: stream, group: group}
}

func (b *Bus) EnsureGroup(ctx context.Context) error {
	// Create stream and group if not exist
	_ = b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	return nil
}

func (b *Bus) Publish(ctx context.Context, e *Event) error {
	payload, _ := json.Marshal(e)
	return b.cli.XAdd(ctx, &redis.XAddArgs{Stream: b.stream, Values: map[string]any{"data": payload}}).Err()
}

type Handler func(ctx context.Context, e *Event) error

// Consume blocks and delivers events to handler; cancel ctx to stop
func (b *Bus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient errors: continue
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				var e Event
				if err := json.Unmarshal([]byte(raw), &e); err == nil {
					_ = handler(ctx, &e)
				}
				_ = b.cli.XAck(ctx, b.stream, b.group, xmsg.ID).Err()
			}
		}
	}
}

func (b *Bus) Close() error { return b.cli.Close() }
