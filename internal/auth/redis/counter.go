// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 authkeep Contributors

// Package redis implements the sign-in attempt counter on Redis.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/authkeep/authkeep/internal/auth"
)

// DefaultWindow is how long an attempt counter lives after its first increment.
const DefaultWindow = 15 * time.Minute

// incrWithWindow starts the expiry on the first increment only, so the
// window is fixed from the first attempt.
var incrWithWindow = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// AttemptCounter implements auth.Counter with a fixed-window Redis counter.
type AttemptCounter struct {
	client goredis.Scripter
	prefix string
	window time.Duration
}

// NewAttemptCounter creates an AttemptCounter. Keys are stored as
// prefix + key; a zero window uses DefaultWindow.
func NewAttemptCounter(client goredis.Scripter, prefix string, window time.Duration) *AttemptCounter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &AttemptCounter{client: client, prefix: prefix, window: window}
}

// Increment atomically increments key and returns the new count.
func (c *AttemptCounter) Increment(ctx context.Context, key string) (int64, error) {
	n, err := incrWithWindow.Run(ctx, c.client, []string{c.prefix + key}, c.window.Milliseconds()).Int64()
	if err != nil {
		return 0, oops.Code("COUNTER_INCREMENT_FAILED").
			With("key", key).
			Wrap(err)
	}
	return n, nil
}

// NewClient connects to the Redis server at url
// (redis://[user:password@]host:port/db) and pings it.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").Wrap(err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").
			With("addr", opts.Addr).
			Wrap(err)
	}
	return client, nil
}

var _ auth.Counter = (*AttemptCounter)(nil)
