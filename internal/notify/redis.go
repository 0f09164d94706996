// Package notify lets task producers cut a worker's idle wait short.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultKey = "courier:wake"

// Redis is a wake channel on a Redis list. Producers LPUSH a task id and an
// idle worker's BRPOP returns. The store is still polled on every cycle.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to addr, which is host:port or a redis:// URL.
func NewRedis(ctx context.Context, addr, key string) (*Redis, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		var err error
		if opts, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: addr}
	}
	if key == "" {
		key = DefaultKey
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, key: key}, nil
}

// Wait blocks for at most d or until a wake-up arrives. Redis errors fall
// back to a plain sleep. A non-positive d returns at once; BRPOP would read
// it as "block forever".
func (r *Redis) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	start := time.Now()
	res, err := r.client.BRPop(ctx, d, r.key).Result()
	switch {
	case err == nil:
		if len(res) == 2 {
			log.Debug().Str("task_id", res[1]).Msg("woken by producer")
		}
		return nil
	case errors.Is(err, redis.Nil):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}

	log.Warn().Err(err).Str("key", r.key).Msg("wake channel unavailable, sleeping")
	left := d - time.Since(start)
	if left <= 0 {
		return nil
	}
	t := time.NewTimer(left)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Notify wakes one idle worker.
func (r *Redis) Notify(ctx context.Context, taskID string) error {
	if err := r.client.LPush(ctx, r.key, taskID).Err(); err != nil {
		return fmt.Errorf("push wake-up: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
