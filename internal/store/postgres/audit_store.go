package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/events"
)

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	Symbol    string          `json:"symbol"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditQuery filters List. Zero values mean no filter.
type AuditQuery struct {
	Symbol string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// AuditStore keeps a durable audit log of notable engine events.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an event. The full event is stored as JSONB in detail.
func (s *AuditStore) Log(ctx context.Context, ev events.Event) error {
	detail, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (event, symbol, severity, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, query, string(ev.Type), ev.Symbol, ev.Severity.String(), ev.Message, detail, at)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", ev.Type, err)
	}
	return nil
}

// buildAuditQuery renders the List query and its arguments.
func buildAuditQuery(q AuditQuery) (string, []any) {
	query := `SELECT id, event, symbol, severity, message, detail, created_at FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if q.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", argIdx)
		args = append(args, q.Symbol)
		argIdx++
	}
	if q.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *q.Since)
		argIdx++
	}
	if q.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *q.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
		argIdx++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, q.Offset)
	}
	return query, args
}

// List returns audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	query, args := buildAuditQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Event, &e.Symbol, &e.Severity, &e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

// AuditSink writes events to the audit log. Wrap it in events.MinSeverity
// and events.NewAsync; it does the insert inline.
type AuditSink struct {
	store  *AuditStore
	logger *slog.Logger
}

// NewAuditSink creates the sink.
func NewAuditSink(store *AuditStore, logger *slog.Logger) *AuditSink {
	return &AuditSink{store: store, logger: logger.With(slog.String("component", "audit"))}
}

// Emit implements events.Sink.
func (a *AuditSink) Emit(ctx context.Context, ev events.Event) {
	if err := a.store.Log(ctx, ev); err != nil {
		a.logger.Warn("audit write failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

var _ events.Sink = (*AuditSink)(nil)
