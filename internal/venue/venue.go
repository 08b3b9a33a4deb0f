// Package venue defines how the engine talks to a trading venue: a market
// data stream of normalized books and an order gateway.
package venue

import (
	"context"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// MarketData streams normalized books for one venue.
type MarketData interface {
	Venue() domain.Venue
	// Subscribe starts streaming books for symbol. The returned channel is
	// closed when the connection is lost or ctx is done; callers resubscribe.
	Subscribe(ctx context.Context, symbol string) (<-chan domain.Book, error)
}

// Gateway submits and tracks orders on one venue.
type Gateway interface {
	// Submit sends the order. An error wrapping domain.ErrOrderRejected is a
	// definitive rejection; any other error leaves the order's fate unknown.
	Submit(ctx context.Context, o domain.Order) (domain.OrderHandle, error)
	Cancel(ctx context.Context, h domain.OrderHandle) error
	// PollStatus returns the venue's cumulative view of the order.
	PollStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderState, error)
}

// Connector is a venue that provides both market data and order entry.
type Connector interface {
	MarketData
	Gateway
}
