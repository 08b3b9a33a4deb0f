package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failPut bool
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.failPut {
		return errors.New("503 slow down")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type memFills []domain.Fill

func (f memFills) FillsSince(_ context.Context, since time.Time) ([]domain.Fill, error) {
	var out []domain.Fill
	for _, fill := range f {
		if !fill.Timestamp.Before(since) {
			out = append(out, fill)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchivePath(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 0, 5, 250e6, time.UTC)
	assert.Equal(t, "arb/ledgers/2026/03/14/20260314T100005.250Z.json", archivePath("arb/", "ledgers", at, ".json"))
}

func TestArchiverWritesLedgerAndFillWindows(t *testing.T) {
	blobs := newMemBlobs()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	fills := memFills{
		{ID: "o1:1", Symbol: "BTCUSDT", Timestamp: t0.Add(time.Minute)},
		{ID: "o2:1", Symbol: "BTCUSDT", Timestamp: t0.Add(3 * time.Minute)},
	}
	a := NewArchiver(blobs, blobs, fills, "", t0, testLogger())
	ctx := context.Background()

	l := domain.Ledger{
		Positions:    map[string]map[domain.Venue]float64{"BTCUSDT": {"a": 1, "b": -1}},
		AppliedFills: []string{"o1:1"},
		TakenAt:      t0.Add(2 * time.Minute),
	}
	path, err := a.Archive(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, "ledgers/2026/03/14/20260314T100200.000Z.json", path)
	assert.Equal(t, "application/json", blobs.types[path])

	fillsPath := "fills/2026/03/14/20260314T100200.000Z.jsonl"
	require.Contains(t, blobs.objects, fillsPath)
	assert.Equal(t, 1, bytes.Count(blobs.objects[fillsPath], []byte("\n")), "only fills before the cut")
	assert.Contains(t, string(blobs.objects[fillsPath]), `"o1:1"`)

	l.TakenAt = t0.Add(4 * time.Minute)
	_, err = a.Archive(ctx, l)
	require.NoError(t, err)
	second := blobs.objects["fills/2026/03/14/20260314T100400.000Z.jsonl"]
	assert.Contains(t, string(second), `"o2:1"`)
	assert.NotContains(t, string(second), `"o1:1"`)

	l.TakenAt = t0.Add(5 * time.Minute)
	_, err = a.Archive(ctx, l)
	require.NoError(t, err)
	assert.Len(t, blobs.paths(), 5, "three ledgers and two non-empty fill windows")

	got, err := a.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, got.TakenAt.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, -1.0, got.Positions["BTCUSDT"]["b"])
}

func TestArchiverLatestEmpty(t *testing.T) {
	blobs := newMemBlobs()
	_, err := NewArchiver(blobs, blobs, nil, "arb/", time.Now(), testLogger()).Latest(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = NewArchiver(blobs, nil, nil, "arb/", time.Now(), testLogger()).Latest(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiverUploadFailure(t *testing.T) {
	blobs := newMemBlobs()
	blobs.failPut = true
	a := NewArchiver(blobs, blobs, nil, "", time.Now(), testLogger())
	_, err := a.Archive(context.Background(), domain.Ledger{TakenAt: time.Now()})
	assert.ErrorContains(t, err, "503 slow down")
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", endpointURL("https://s3.example.com", false))
	assert.Equal(t, "http://minio:9000", endpointURL("minio:9000", false))
	assert.Equal(t, "https://minio:9000", endpointURL("minio:9000", true))
}

func TestOpenValidatesConfig(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket")
	_, err = Open(ctx, Config{Bucket: "arb"})
	assert.ErrorContains(t, err, "region")

	b, err := Open(ctx, Config{Bucket: "arb", Region: "us-east-1", Endpoint: "minio:9000",
		AccessKey: "k", SecretKey: "s", ForcePathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "arb", b.Name())
}
