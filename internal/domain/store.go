package domain

import (
	"context"
	"time"
)

// LedgerStore persists the fill journal and position ledger snapshots.
type LedgerStore interface {
	// RecordFill journals a fill. Recording the same fill id twice is a no-op.
	RecordFill(ctx context.Context, fill Fill) error
	SaveSnapshot(ctx context.Context, ledger Ledger) error
	// LatestSnapshot returns ErrNotFound when no snapshot exists.
	LatestSnapshot(ctx context.Context) (Ledger, error)
	FillsSince(ctx context.Context, since time.Time) ([]Fill, error)
}
