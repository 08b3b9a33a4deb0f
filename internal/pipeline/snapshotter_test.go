package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/position"
)

type fakeArchive struct {
	ledgers []domain.Ledger
	err     error
}

func (f *fakeArchive) Archive(_ context.Context, l domain.Ledger) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ledgers = append(f.ledgers, l)
	return "ledgers/test.json", nil
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 30, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 14, 10, 8, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)},
		{"30 9-17/4 * * *", time.Date(2026, 3, 14, 13, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 1,3", time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)},
		{"5/15 * * * *", time.Date(2026, 3, 14, 10, 20, 0, 0, time.UTC)},
		// Restricting both day fields fires on either.
		{"0 0 10 * 1", time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)},
		{"0 0 15 * 3", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			s, err := cron.ParseStandard(tc.expr)
			require.NoError(t, err)
			got, err := nextRun(s, base)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCronRejects(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "61 * * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		assert.Error(t, ValidateCron(expr), expr)
	}
	assert.NoError(t, ValidateCron("0 */6 * * *"))
}

func TestSnapshotterFinal(t *testing.T) {
	pm := position.NewManager(position.Limits{MaxPositionSize: 10})
	pm.UpdatePosition("a", sym, 0.5, "f1")
	store := &memStore{}
	arch := &fakeArchive{}

	s := NewSnapshotter(pm, store, arch, 0, "", testLogger())
	require.NoError(t, s.Final(context.Background()))

	l, err := store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, l.Positions[sym]["a"])
	require.Len(t, arch.ledgers, 1)
	assert.Equal(t, []string{"f1"}, arch.ledgers[0].AppliedFills)

	arch.err = errors.New("bucket gone")
	err = s.Final(context.Background())
	assert.ErrorContains(t, err, "bucket gone")
	assert.Len(t, store.snapshots, 2, "store still written when the archive fails")
}

func TestSnapshotterPeriodic(t *testing.T) {
	pm := position.NewManager(position.Limits{MaxPositionSize: 10})
	store := &memStore{}
	s := NewSnapshotter(pm, store, nil, 10*time.Millisecond, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.LatestSnapshot(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSnapshotterBadCron(t *testing.T) {
	s := NewSnapshotter(position.NewManager(position.Limits{}), nil, &fakeArchive{}, 0, "bogus", testLogger())
	assert.Error(t, s.Run(context.Background()))
}

type pruningStore struct {
	memStore
	keeps []int
}

func (p *pruningStore) PruneSnapshots(_ context.Context, keep int) (int64, error) {
	p.keeps = append(p.keeps, keep)
	return 0, nil
}

func TestSnapshotterPrunesAfterSave(t *testing.T) {
	pm := position.NewManager(position.Limits{MaxPositionSize: 10})
	store := &pruningStore{}

	s := NewSnapshotter(pm, store, nil, 0, "", testLogger())
	require.NoError(t, s.Final(context.Background()))
	assert.Empty(t, store.keeps, "no retention configured")

	s.WithRetention(3)
	require.NoError(t, s.Final(context.Background()))
	assert.Equal(t, []int{3}, store.keeps)
	assert.Len(t, store.snapshots, 2)
}
