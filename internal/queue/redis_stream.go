package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream adapts a *redis.Client to the Stream interface, matching
// the original's aioredis usage: XADD + EXPIRE pipelined in one round
// trip, blocking XREAD against stream id "0" (since consumed entries
// are XDEL'd, everything left on the stream is always "new" relative
// to 0), XDEL, and a plain XRANGE for the non-blocking contains_pdus
// check.
type RedisStream struct {
	Client *redis.Client
}

func (s *RedisStream) Add(ctx context.Context, key string, data []byte, ttl int64) (string, error) {
	pipe := s.Client.Pipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Expire(ctx, key, time.Duration(ttl)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return add.Val(), nil
}

func (s *RedisStream) Read(ctx context.Context, key string, count int64, blockMillis int64) ([]StreamEntry, error) {
	res, err := s.Client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, "0"},
		Count:   count,
		Block:   time.Duration(blockMillis) * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			data, _ := msg.Values["data"].(string)
			out = append(out, StreamEntry{ID: msg.ID, Data: []byte(data)})
		}
	}
	return out, nil
}

func (s *RedisStream) Delete(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Client.XDel(ctx, key, ids...).Err()
}

func (s *RedisStream) Range(ctx context.Context, key string) ([]StreamEntry, error) {
	res, err := s.Client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, 0, len(res))
	for _, msg := range res {
		data, _ := msg.Values["data"].(string)
		out = append(out, StreamEntry{ID: msg.ID, Data: []byte(data)})
	}
	return out, nil
}
