package redisevents

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/open-rails/entitlementkit/core"
)

// Publisher fans entitlement-changed notifications out over Redis pub/sub
// so other processes (UI backends, usage-limit logic) can react without
// polling the read API.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "entitlements:changed"
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) PublishChange(ctx context.Context, ch core.Change) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}
