package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// SnapshotArchive stores ledger snapshots in cold storage and returns the
// object path written.
type SnapshotArchive interface {
	Archive(ctx context.Context, ledger Ledger) (string, error)
}
