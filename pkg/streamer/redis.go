package streamer

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisSink PUBLISHes each document on a redis channel.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

// NewRedisSink wraps an existing client.
func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

// DialRedis connects to addr, either host:port or a redis:// url, and
// checks the connection with a PING.
func DialRedis(ctx context.Context, addr, channel string) (*RedisSink, error) {
	opt := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		var err error
		if opt, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSink(rdb, channel), nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Publish(ctx context.Context, data []byte) error {
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

func (r *RedisSink) Close() error { return r.rdb.Close() }
