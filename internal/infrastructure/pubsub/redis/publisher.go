package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"paperengine/internal/application/port"
)

// Publisher fans delivery events out over redis pub/sub. Channels are
// "<prefix>.<topic>", one message per event, JSON payloads.
type Publisher struct {
	rdb    *redis.Client
	prefix string
}

func New(addr, password string, db int, prefix string) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Publisher{rdb: rdb, prefix: prefix}
}

func (p *Publisher) Publish(ctx context.Context, topic string, message map[string]any) error {
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.prefix+"."+topic, string(b)).Err()
}

func (p *Publisher) Close() error { return p.rdb.Close() }

var _ port.Publisher = (*Publisher)(nil)
