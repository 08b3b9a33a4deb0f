package domain

import "context"

// PositionCache publishes live exposure for dashboards.
type PositionCache interface {
	SetExposure(ctx context.Context, exp Exposure) error
	GetExposure(ctx context.Context, symbol string) (Exposure, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub and durable streams for engine events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
