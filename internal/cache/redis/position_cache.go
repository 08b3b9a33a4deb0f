package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
)

// PositionCache implements domain.PositionCache. Each symbol's exposure is
// a JSON value at "position:{symbol}" that expires after ttl so a dead
// engine does not leave stale dashboards behind.
type PositionCache struct {
	c   *Client
	ttl time.Duration
}

// NewPositionCache creates a PositionCache. A zero ttl keeps keys forever.
func NewPositionCache(c *Client, ttl time.Duration) *PositionCache {
	return &PositionCache{c: c, ttl: ttl}
}

func (pc *PositionCache) positionKey(symbol string) string {
	return pc.c.key("position", symbol)
}

// SetExposure stores the latest exposure for its symbol.
func (pc *PositionCache) SetExposure(ctx context.Context, exp domain.Exposure) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("redis: marshal exposure %s: %w", exp.Symbol, err)
	}
	if err := pc.c.rdb.Set(ctx, pc.positionKey(exp.Symbol), data, pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set exposure %s: %w", exp.Symbol, err)
	}
	return nil
}

// GetExposure returns domain.ErrNotFound when no exposure is cached.
func (pc *PositionCache) GetExposure(ctx context.Context, symbol string) (domain.Exposure, error) {
	data, err := pc.c.rdb.Get(ctx, pc.positionKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Exposure{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Exposure{}, fmt.Errorf("redis: get exposure %s: %w", symbol, err)
	}
	var exp domain.Exposure
	if err := json.Unmarshal(data, &exp); err != nil {
		return domain.Exposure{}, fmt.Errorf("redis: decode exposure %s: %w", symbol, err)
	}
	return exp, nil
}

// PositionSink writes exposure events to a PositionCache.
type PositionSink struct {
	cache  domain.PositionCache
	logger *slog.Logger
}

// NewPositionSink creates the sink. Wire it behind events.NewAsync.
func NewPositionSink(cache domain.PositionCache, logger *slog.Logger) *PositionSink {
	return &PositionSink{cache: cache, logger: logger.With(slog.String("component", "position_cache"))}
}

// Emit implements events.Sink.
func (s *PositionSink) Emit(ctx context.Context, ev events.Event) {
	if ev.Type != events.TypeExposure || ev.Exposure == nil {
		return
	}
	if err := s.cache.SetExposure(ctx, *ev.Exposure); err != nil {
		s.logger.Warn("cache exposure failed",
			slog.String("symbol", ev.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

var (
	_ domain.PositionCache = (*PositionCache)(nil)
	_ events.Sink          = (*PositionSink)(nil)
)
