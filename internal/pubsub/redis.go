package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBus adapts a *redis.Client to the Bus interface.
type RedisBus struct {
	Client *redis.Client
}

func (b *RedisBus) Publish(ctx context.Context, channel, payload string) error {
	return b.Client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) Subscription {
	return &redisSubscription{ps: b.Client.Subscribe(ctx, channels...)}
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Next(ctx context.Context) (string, string, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return "", "", err
	}
	return msg.Channel, msg.Payload, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
