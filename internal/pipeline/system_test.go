package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/feed"
)

// staticMarket serves one book per subscription and then holds the stream
// open until ctx is done.
type staticMarket struct {
	venue domain.Venue
	book  domain.Book
}

func (m *staticMarket) Venue() domain.Venue { return m.venue }

func (m *staticMarket) Subscribe(ctx context.Context, _ string) (<-chan domain.Book, error) {
	ch := make(chan domain.Book, 1)
	b := m.book
	b.Timestamp = time.Now()
	ch <- b
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type memStore struct {
	memJournal
	snapMu    sync.Mutex
	snapshots []domain.Ledger
}

func (s *memStore) SaveSnapshot(_ context.Context, l domain.Ledger) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snapshots = append(s.snapshots, l)
	return nil
}

func (s *memStore) LatestSnapshot(context.Context) (domain.Ledger, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if len(s.snapshots) == 0 {
		return domain.Ledger{}, domain.ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

func (s *memStore) FillsSince(context.Context, time.Time) ([]domain.Fill, error) {
	s.memJournal.mu.Lock()
	defer s.memJournal.mu.Unlock()
	return append([]domain.Fill(nil), s.fills...), nil
}

func TestSystemRunsAndSnapshotsOnShutdown(t *testing.T) {
	rec := &events.Recorder{}
	engine := dryRunEngine(rec, nil)
	f := newFixture(t, engine)
	store := &memStore{}
	f.pipe.journal = store

	a := &staticMarket{venue: "a", book: domain.Book{Venue: "a", Symbol: sym,
		Bids: []domain.PriceLevel{{Price: 50000, Size: 2}},
		Asks: []domain.PriceLevel{{Price: 50010, Size: 2}}}}
	b := &staticMarket{venue: "b", book: domain.Book{Venue: "b", Symbol: sym,
		Bids: []domain.PriceLevel{{Price: 50070, Size: 1.5}},
		Asks: []domain.PriceLevel{{Price: 50080, Size: 3}}}}
	feeds := []*feed.Supervisor{
		feed.NewSupervisor(a, f.box, feed.Config{}, f.pipe.FeedStatus, testLogger()),
		feed.NewSupervisor(b, f.box, feed.Config{}, f.pipe.FeedStatus, testLogger()),
	}
	snap := NewSnapshotter(f.positions, store, nil, 0, "", testLogger())
	sys := NewSystem(engine, []*SymbolPipeline{f.pipe}, feeds, snap, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("system did not stop")
	}

	l, err := store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, l.Positions[sym]["a"], 1e-9)
	assert.InDelta(t, -1.0, l.Positions[sym]["b"], 1e-9)
	assert.Len(t, l.AppliedFills, 2)
	assert.Equal(t, 0, engine.InFlight())
}

func TestSystemShutdownClosesEngine(t *testing.T) {
	rec := &events.Recorder{}
	engine := dryRunEngine(rec, nil)
	f := newFixture(t, engine)
	sys := NewSystem(engine, []*SymbolPipeline{f.pipe}, nil, nil, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sys.Run(ctx))

	err := engine.Execute(context.Background(), domain.Order{ID: "late", Venue: "a", Symbol: sym,
		Side: domain.OrderSideBuy, Quantity: 1, Price: 50010, LimitPrice: 50060, Intent: domain.IntentOpen}, nil)
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}
