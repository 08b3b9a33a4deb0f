package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func book(v domain.Venue, ts time.Time, bid float64) domain.Book {
	return domain.Book{
		Venue: v, Symbol: "BTCUSDT", Timestamp: ts,
		Bids: []domain.PriceLevel{{Price: bid, Size: 1}},
		Asks: []domain.PriceLevel{{Price: bid + 10, Size: 1}},
	}
}

func TestMailboxKeepsNewest(t *testing.T) {
	m := NewMailbox("BTCUSDT")
	now := time.Now()

	assert.True(t, m.Offer(book("a", now, 100)))
	assert.True(t, m.Offer(book("a", now.Add(time.Millisecond), 101)))
	assert.False(t, m.Offer(book("a", now.Add(-time.Second), 99)), "older book dropped")

	other := book("a", now.Add(time.Second), 1)
	other.Symbol = "ETHUSDT"
	assert.False(t, m.Offer(other))

	_, _, ok := m.Pair("a", "b")
	assert.False(t, ok, "needs both venues")

	m.Offer(book("b", now, 105))
	a, b, ok := m.Pair("a", "b")
	require.True(t, ok)
	assert.Equal(t, 101.0, a.Bids[0].Price)
	assert.Equal(t, 105.0, b.Bids[0].Price)

	st := m.Stats()
	assert.EqualValues(t, 3, st.Accepted)
	assert.EqualValues(t, 1, st.Coalesced)
	assert.EqualValues(t, 1, st.OutOfOrder)
	assert.EqualValues(t, 1, st.Foreign)
}

func TestMailboxNotifyCoalesces(t *testing.T) {
	m := NewMailbox("BTCUSDT")
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.Offer(book("a", now.Add(time.Duration(i)), 100+float64(i)))
	}
	select {
	case <-m.Notify():
	default:
		t.Fatal("expected a notification")
	}
	select {
	case <-m.Notify():
		t.Fatal("notifications should coalesce")
	default:
	}
}

// fakeMarket fails the first failN subscribes, then serves one channel per
// call from streams. With failN < 0 it always fails.
type fakeMarket struct {
	mu      sync.Mutex
	failN   int
	calls   int
	streams []chan domain.Book
}

func (f *fakeMarket) Venue() domain.Venue { return "a" }

func (f *fakeMarket) Subscribe(ctx context.Context, symbol string) (<-chan domain.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN < 0 || f.calls <= f.failN {
		return nil, errors.New("dial refused")
	}
	if len(f.streams) == 0 {
		ch := make(chan domain.Book)
		return ch, nil // never delivers, never closes
	}
	ch := f.streams[0]
	f.streams = f.streams[1:]
	return ch, nil
}

func fastConfig() Config {
	return Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxAttempts:    3,
		ProbeInterval:  5 * time.Millisecond,
	}
}

type statusLog struct {
	mu      sync.Mutex
	entries []bool
}

func (s *statusLog) record(_ domain.Venue, connected bool, _ int, _ error) {
	s.mu.Lock()
	s.entries = append(s.entries, connected)
	s.mu.Unlock()
}

func (s *statusLog) get() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.entries...)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSupervisorReconnectsAfterDisconnect(t *testing.T) {
	first := make(chan domain.Book, 1)
	second := make(chan domain.Book, 1)
	now := time.Now()
	first <- book("", now, 100)
	close(first)
	second <- book("a", now.Add(time.Second), 200)

	md := &fakeMarket{failN: 2, streams: []chan domain.Book{first, second}}
	box := NewMailbox("BTCUSDT")
	status := &statusLog{}
	sup := NewSupervisor(md, box, fastConfig(), status.record, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		b, ok := box.Latest("a")
		return ok && b.Bids[0].Price == 200
	}, time.Second, 2*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, status.get(), "budget was never exhausted")
}

func TestSupervisorFatalOnExhaustion(t *testing.T) {
	md := &fakeMarket{failN: -1}
	cfg := fastConfig()
	cfg.FatalOnExhaustion = true
	status := &statusLog{}
	sup := NewSupervisor(md, NewMailbox("BTCUSDT"), cfg, status.record, testLogger())

	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrFeedLost)
	assert.Equal(t, 3, md.calls)
	assert.Equal(t, []bool{false}, status.get())
}

func TestSupervisorReportsLossAndRestore(t *testing.T) {
	md := &fakeMarket{failN: 4}
	status := &statusLog{}
	sup := NewSupervisor(md, NewMailbox("BTCUSDT"), fastConfig(), status.record, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(status.get()) == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, []bool{false, true}, status.get())
}
