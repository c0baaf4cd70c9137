// Package cache persists session graphs in Redis and tracks the availability
// of the Redis backend. Every operation is fail-soft from the caller's point
// of view: the graph manager keeps serving from memory when Redis is down.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/echograph/internal/graph"
)

const (
	// defaultTTL is how long a session graph survives without updates.
	defaultTTL = 24 * time.Hour

	// checkInterval is the pause between availability probes while the
	// backend is healthy.
	checkInterval = 15 * time.Second

	// reconnectAttempts is how many exponential-backoff probes are made
	// after the backend goes away before falling back to the slow cadence.
	reconnectAttempts = 10

	// slowRetryInterval is the steady probe cadence after the backoff
	// attempts are exhausted.
	slowRetryInterval = 10 * time.Second
)

// Compile-time assertion that Client implements graph.Store.
var _ graph.Store = (*Client)(nil)

// Config configures a [Client].
type Config struct {
	// Addr is the Redis host:port. Required.
	Addr string

	// Password is the optional Redis AUTH password.
	Password string

	// DB is the Redis logical database number.
	DB int

	// TTL overrides the graph key lifetime. Defaults to 24 h.
	TTL time.Duration

	// Logger for availability transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client wraps a Redis connection with the graph key schema and a background
// availability monitor. Safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	ttl       time.Duration
	log       *slog.Logger
	available atomic.Bool

	checkInterval time.Duration
	slowRetry     time.Duration
}

// New creates a Client. No connection is made until the first command or
// [Client.Monitor] probe.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache: addr must not be empty")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl:           ttl,
		log:           log.With("component", "cache"),
		checkInterval: checkInterval,
		slowRetry:     slowRetryInterval,
	}
	c.available.Store(true)
	return c, nil
}

// NewFromClient wraps an existing go-redis client. Used by tests.
func NewFromClient(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Client {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		rdb:           rdb,
		ttl:           ttl,
		log:           log.With("component", "cache"),
		checkInterval: checkInterval,
		slowRetry:     slowRetryInterval,
	}
	c.available.Store(true)
	return c
}

func graphKey(sessionID string) string {
	return "graph:" + sessionID
}

func snapshotKey(sessionID string, version int) string {
	return "graph:" + sessionID + ":snapshot:" + strconv.Itoa(version)
}

// LoadGraph implements graph.Store.
func (c *Client) LoadGraph(ctx context.Context, sessionID string) (*graph.State, error) {
	raw, err := c.rdb.Get(ctx, graphKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load graph %s: %w", sessionID, err)
	}
	var state graph.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("cache: decode graph %s: %w", sessionID, err)
	}
	return &state, nil
}

// SaveGraph implements graph.Store.
func (c *Client) SaveGraph(ctx context.Context, sessionID string, state *graph.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cache: encode graph %s: %w", sessionID, err)
	}
	if err := c.rdb.Set(ctx, graphKey(sessionID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: save graph %s: %w", sessionID, err)
	}
	return nil
}

// SaveSnapshot implements graph.Store.
func (c *Client) SaveSnapshot(ctx context.Context, sessionID string, state *graph.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cache: encode snapshot %s v%d: %w", sessionID, state.Version, err)
	}
	if err := c.rdb.Set(ctx, snapshotKey(sessionID, state.Version), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: save snapshot %s v%d: %w", sessionID, state.Version, err)
	}
	return nil
}

// DeleteGraph implements graph.Store. It removes the graph key and every
// snapshot for the session.
func (c *Client) DeleteGraph(ctx context.Context, sessionID string) error {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, graphKey(sessionID)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan session %s: %w", sessionID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete session %s: %w", sessionID, err)
	}
	return nil
}

// GetString reads an arbitrary string key, returning ("", nil) when absent.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, nil
}

// SetString writes an arbitrary string key with its own TTL.
func (c *Client) SetString(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes arbitrary keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete keys: %w", err)
	}
	return nil
}

// Ping probes the backend.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Available reports the last availability observed by [Client.Monitor].
func (c *Client) Available() bool {
	return c.available.Load()
}

// Monitor probes the backend until ctx is cancelled. While healthy it checks
// every 15 s. After a failure it retries with exponential backoff for 10
// attempts, then settles into a slow 10 s cadence until the backend returns.
func (c *Client) Monitor(ctx context.Context) {
	for {
		if err := c.pingOnce(ctx); err == nil {
			if !c.available.Swap(true) {
				c.log.Info("cache backend available")
			}
			if !sleepCtx(ctx, c.checkInterval) {
				return
			}
			continue
		}

		if c.available.Swap(false) {
			c.log.Warn("cache backend unavailable, reconnecting")
		}

		backoff := time.Second
		recovered := false
		for attempt := 1; attempt <= reconnectAttempts; attempt++ {
			if !sleepCtx(ctx, backoff) {
				return
			}
			if err := c.pingOnce(ctx); err == nil {
				recovered = true
				break
			}
			c.log.Warn("cache reconnect failed", "attempt", attempt)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
		if recovered {
			continue
		}

		for {
			if !sleepCtx(ctx, c.slowRetry) {
				return
			}
			if err := c.pingOnce(ctx); err == nil {
				break
			}
		}
	}
}

func (c *Client) pingOnce(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(pctx).Err()
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
