package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const fillSelectCols = `id, order_id, pair_id, venue, symbol, side, quantity, price, fee, filled_at`

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(
			&f.ID, &f.OrderID, &f.PairID, &f.Venue, &f.Symbol, &f.Side,
			&f.Quantity, &f.Price, &f.Fee, &f.Timestamp,
		); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// RecordFill journals a fill. A fill id that is already present is silently
// skipped via ON CONFLICT DO NOTHING.
func (s *LedgerStore) RecordFill(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (
			id, order_id, pair_id, venue, symbol, side,
			quantity, price, fee, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		f.ID, f.OrderID, f.PairID, string(f.Venue), f.Symbol, string(f.Side),
		f.Quantity, f.Price, f.Fee, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: record fill %s: %w", f.ID, err)
	}
	return nil
}

// RecordFills journals many fills in one round trip.
func (s *LedgerStore) RecordFills(ctx context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(`
			INSERT INTO fills (
				id, order_id, pair_id, venue, symbol, side,
				quantity, price, fee, filled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			f.ID, f.OrderID, f.PairID, string(f.Venue), f.Symbol, string(f.Side),
			f.Quantity, f.Price, f.Fee, f.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: record fill batch item %d: %w", i, err)
		}
	}
	return nil
}

// SaveSnapshot stores the ledger as JSONB.
func (s *LedgerStore) SaveSnapshot(ctx context.Context, l domain.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("postgres: marshal ledger: %w", err)
	}
	takenAt := l.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_snapshots (taken_at, ledger) VALUES ($1, $2)`, takenAt, data,
	); err != nil {
		return fmt.Errorf("postgres: save ledger snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved ledger, or
// domain.ErrNotFound if none was saved yet.
func (s *LedgerStore) LatestSnapshot(ctx context.Context) (domain.Ledger, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT ledger FROM ledger_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ledger{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Ledger{}, fmt.Errorf("postgres: latest ledger snapshot: %w", err)
	}
	var l domain.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.Ledger{}, fmt.Errorf("postgres: unmarshal ledger snapshot: %w", err)
	}
	return l, nil
}

// FillsSince returns fills at or after since, oldest first.
func (s *LedgerStore) FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE filled_at >= $1 ORDER BY filled_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: fills since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}

// PruneSnapshots deletes all but the newest keep snapshots and returns how
// many rows were removed.
func (s *LedgerStore) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ledger_snapshots
		WHERE id NOT IN (SELECT id FROM ledger_snapshots ORDER BY id DESC LIMIT $1)`, keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune ledger snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
