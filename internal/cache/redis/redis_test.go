package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), KeyPrefix: "arb:"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestPositionCacheRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	pc := NewPositionCache(c, time.Minute)
	ctx := context.Background()

	_, err := pc.GetExposure(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sink := NewPositionSink(pc, testLogger())
	exp := domain.Exposure{Symbol: "BTCUSDT", ByVenue: map[domain.Venue]float64{"a": 1, "b": -0.4}, Net: 0.6, Gross: 1.4}
	sink.Emit(ctx, events.ExposureEvent(exp))
	sink.Emit(ctx, events.StaleEvent("BTCUSDT", "ignored", time.Now()))

	got, err := pc.GetExposure(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Net)
	assert.Equal(t, -0.4, got.ByVenue["b"])
	assert.True(t, mr.Exists("arb:position:BTCUSDT"))
	assert.Equal(t, time.Minute, mr.TTL("arb:position:BTCUSDT"))
}

func TestEventBusStreams(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, "audit:BTCUSDT", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	sink := NewBusSink(bus, testLogger())
	sink.Emit(ctx, events.FillEvent(domain.Fill{ID: "f1", Symbol: "BTCUSDT"}))
	sink.Emit(ctx, events.UnbalancedEvent(domain.UnbalancedExposure{PairID: "p1", Symbol: "BTCUSDT", Imbalance: 1}))

	msgs, err = bus.StreamRead(ctx, AuditStream("BTCUSDT"), "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only warnings and worse are audited")
	var ev events.Event
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, events.TypeUnbalancedExposure, ev.Type)
	assert.Equal(t, "p1", ev.Unbalanced.PairID)

	more, err := bus.StreamRead(ctx, AuditStream("BTCUSDT"), msgs[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestEventBusPubSub(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "events:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, EventChannel(events.TypeFill), []byte(`{"type":"fill"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"type":"fill"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	cancel()
	for range ch {
	}
}

func TestLockExclusiveAndRefresh(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, testLogger())
	ctx := context.Background()

	l, err := lm.Acquire(ctx, "live:BTCUSDT", 3*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "live:BTCUSDT", 3*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	mr.FastForward(2 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	assert.Equal(t, 3*time.Second, mr.TTL("arb:lock:live:BTCUSDT"))

	l.Release()
	l.Release()
	l2, err := lm.Acquire(ctx, "live:BTCUSDT", time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Refresh(ctx), domain.ErrLockHeld, "stale holder cannot refresh")
	l2.Release()
}

func TestClientOptions(t *testing.T) {
	opts, err := ClientConfig{Addr: "rediss://:pw@cache:6380/2"}.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.NotNil(t, opts.TLSConfig)

	opts, err = ClientConfig{Addr: "localhost:6379", DB: 3, PoolSize: 8}.options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 8, opts.PoolSize)
	assert.Nil(t, opts.TLSConfig)

	c := &Client{prefix: "arb:"}
	assert.Equal(t, "arb:lock:BTCUSDT", c.key("lock", "BTCUSDT"))
}
