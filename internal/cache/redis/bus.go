package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus implements domain.EventBus using Redis Pub/Sub for ephemeral
// messaging and Redis Streams for durable, ordered delivery.
type EventBus struct {
	c *Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Publish sends a payload to a Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.c.rdb.Publish(ctx, b.c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel, which may be
// a glob pattern. The returned channel is closed when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = b.c.rdb.PSubscribe(ctx, b.c.key(channel))
	} else {
		pubsub = b.c.rdb.Subscribe(ctx, b.c.key(channel))
	}
	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend appends a payload to a stream, trimming it to about
// streamMaxLen entries.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: b.c.key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := b.c.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages after lastID. Use "0" to read from
// the beginning. It returns an empty slice when nothing is available.
func (b *EventBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := b.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.c.key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

// BusSink publishes every event as JSON on "events:<type>" and appends
// warnings and worse to the durable "audit:<symbol>" stream.
type BusSink struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewBusSink creates the sink. It performs network I/O on every event; wire
// it behind events.NewAsync.
func NewBusSink(bus domain.EventBus, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger.With(slog.String("component", "event_bus"))}
}

// EventChannel is the Pub/Sub channel an event type is published on.
func EventChannel(t events.Type) string { return "events:" + string(t) }

// AuditStream is the stream a symbol's notable events are appended to.
func AuditStream(symbol string) string { return "audit:" + symbol }

// Emit implements events.Sink.
func (s *BusSink) Emit(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, EventChannel(ev.Type), payload); err != nil {
		s.logger.Warn("publish failed", slog.String("error", err.Error()))
	}
	if ev.Severity < events.SeverityWarning {
		return
	}
	if err := s.bus.StreamAppend(ctx, AuditStream(ev.Symbol), payload); err != nil {
		s.logger.Warn("audit append failed", slog.String("error", err.Error()))
	}
}

var (
	_ domain.EventBus = (*EventBus)(nil)
	_ events.Sink     = (*BusSink)(nil)
)
