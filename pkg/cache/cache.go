// Package cache provides a Redis client wrapper used by Lumen for shared quota
// windows and short-lived plan lookups. Quota windows are evaluated server-side
// with a Lua script so that check-and-increment is a single atomic step.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with Lumen-specific operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new Redis cache client connected to the given address.
// The addr should be in "host:port" format.
func NewCache(ctx context.Context, addr, password string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client}, nil
}

// New wraps an existing client. Used by tests and callers that manage their own client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value from the cache by key.
// Returns an empty string and no error if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in the cache with the given TTL.
// A zero TTL means the key will not expire.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key from the cache. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

// WindowState is the server-side view of a fixed quota window after a take.
type WindowState struct {
	Admitted bool
	Count    int64
	TTL      time.Duration // time until the window resets
}

// windowTakeLua admits a request only while the counter is below the limit.
// The expiry is set once, on the first request of a window, so subsequent
// requests never extend it. A counter without an expiry is treated as stale
// and replaced. A non-numeric counter makes the script error out.
var windowTakeLua = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if current and ttl < 0 then
		redis.call('DEL', KEYS[1])
		current = false
	end
	if current then
		local n = tonumber(current)
		if n == nil then
			return redis.error_reply('corrupt quota counter')
		end
		if n >= tonumber(ARGV[1]) then
			return {0, n, ttl}
		end
	end
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	else
		ttl = redis.call('PTTL', KEYS[1])
	end
	return {1, count, ttl}
`)

// WindowTake atomically checks and increments the fixed-window counter at key.
func (c *Cache) WindowTake(ctx context.Context, key string, limit int64, window time.Duration) (WindowState, error) {
	res, err := windowTakeLua.Run(ctx, c.client, []string{key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("cache: window take %q: %w", key, err)
	}
	if len(res) != 3 {
		return WindowState{}, fmt.Errorf("cache: window take %q: unexpected reply length %d", key, len(res))
	}
	return WindowState{
		Admitted: res[0] == 1,
		Count:    res[1],
		TTL:      time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// WindowPeek returns the current counter and TTL without modifying them.
// found is false when no window is active.
func (c *Cache) WindowPeek(ctx context.Context, key string) (count int64, ttl time.Duration, found bool, err error) {
	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, false, fmt.Errorf("cache: window peek %q: %w", key, err)
	}

	val, err := getCmd.Result()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("cache: window peek %q: %w", key, err)
	}
	count, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("cache: parse window counter %q=%q: %w", key, val, err)
	}
	ttl = ttlCmd.Val()
	if ttl <= 0 {
		return 0, 0, false, nil
	}
	return count, ttl, true, nil
}
