package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// FillSource provides journaled fills for archiving. The Postgres ledger
// store satisfies it.
type FillSource interface {
	FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error)
}

// BlobReader is the read side the archiver restores from. *Bucket
// satisfies it.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver implements domain.SnapshotArchive. Each call uploads the ledger as
// JSON and, when a FillSource is set, the fills journaled since the previous
// call as JSONL. Keys are time-ordered so the newest ledger sorts last:
//
//	<prefix>ledgers/2026/03/14/20260314T100000.000Z.json
//	<prefix>fills/2026/03/14/20260314T100000.000Z.jsonl
type Archiver struct {
	writer domain.BlobWriter
	reader BlobReader
	fills  FillSource
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	lastCut time.Time
}

// NewArchiver creates an Archiver. reader and fills may be nil. The fill
// window starts at since.
func NewArchiver(writer domain.BlobWriter, reader BlobReader, fills FillSource, prefix string, since time.Time, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		fills:   fills,
		prefix:  prefix,
		lastCut: since,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// Archive uploads l and returns the ledger object path.
func (a *Archiver) Archive(ctx context.Context, l domain.Ledger) (string, error) {
	at := l.TakenAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	data, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal ledger: %w", err)
	}
	path := archivePath(a.prefix, "ledgers", at, ".json")
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive ledger: %w", err)
	}

	if a.fills != nil {
		if err := a.archiveFills(ctx, at); err != nil {
			return path, err
		}
	}
	return path, nil
}

// archiveFills uploads fills in [lastCut, cut). The window only advances
// after a successful upload so a failed call is retried next time.
func (a *Archiver) archiveFills(ctx context.Context, cut time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.fills.FillsSince(ctx, a.lastCut)
	if err != nil {
		return fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	var window []domain.Fill
	for _, f := range all {
		if f.Timestamp.Before(cut) {
			window = append(window, f)
		}
	}
	if len(window) == 0 {
		a.lastCut = cut
		return nil
	}

	buf, err := marshalJSONL(window)
	if err != nil {
		return fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}
	path := archivePath(a.prefix, "fills", cut, ".jsonl")
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive fills upload: %w", err)
	}
	a.lastCut = cut
	a.logger.Info("fills archived", slog.String("path", path), slog.Int("count", len(window)))
	return nil
}

// Latest downloads the newest archived ledger. It returns domain.ErrNotFound
// when nothing was archived yet.
func (a *Archiver) Latest(ctx context.Context) (domain.Ledger, error) {
	if a.reader == nil {
		return domain.Ledger{}, fmt.Errorf("s3blob: no reader configured: %w", domain.ErrNotFound)
	}
	infos, err := a.reader.List(ctx, a.prefix+"ledgers/")
	if err != nil {
		return domain.Ledger{}, err
	}
	var newest string
	for _, info := range infos {
		if info.Path > newest {
			newest = info.Path
		}
	}
	if newest == "" {
		return domain.Ledger{}, fmt.Errorf("s3blob: no archived ledger: %w", domain.ErrNotFound)
	}

	body, err := a.reader.Get(ctx, newest)
	if err != nil {
		return domain.Ledger{}, err
	}
	defer body.Close()

	var l domain.Ledger
	if err := json.NewDecoder(body).Decode(&l); err != nil {
		return domain.Ledger{}, fmt.Errorf("s3blob: decode ledger %s: %w", newest, err)
	}
	return l, nil
}

// archivePath builds a day-partitioned, time-sortable key.
func archivePath(prefix, kind string, at time.Time, ext string) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s/%s/%s%s", prefix, kind, at.Format("2006/01/02"), at.Format("20060102T150405.000Z"), ext)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.SnapshotArchive = (*Archiver)(nil)
