package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestMultiAndFilters(t *testing.T) {
	all := &Recorder{}
	critical := &Recorder{}
	signals := &Recorder{}

	sink := Multi{all, MinSeverity(SeverityCritical, critical), OfType(signals, TypeSignal)}
	ctx := context.Background()

	sink.Emit(ctx, SignalEvent(domain.Signal{Symbol: "BTCUSDT", Direction: domain.DirectionAToB}))
	sink.Emit(ctx, UnbalancedEvent(domain.UnbalancedExposure{Symbol: "BTCUSDT", Imbalance: 0.6}))
	sink.Emit(ctx, StaleEvent("BTCUSDT", "book too old", time.Now()))

	assert.Len(t, all.Events(), 3)
	require.Len(t, critical.Events(), 1)
	assert.Equal(t, TypeUnbalancedExposure, critical.Events()[0].Type)
	assert.Len(t, signals.OfType(TypeSignal), 1)
}

func TestAsyncDeliversAndCloses(t *testing.T) {
	rec := &Recorder{}
	a := NewAsync(rec, 16, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	for i := 0; i < 10; i++ {
		a.Emit(context.Background(), StaleEvent("ETHUSDT", "x", time.Now()))
	}
	a.Close()
	assert.Len(t, rec.Events(), 10)

	// Emitting after close is dropped, not a panic.
	a.Emit(context.Background(), StaleEvent("ETHUSDT", "late", time.Now()))
	assert.Equal(t, int64(1), a.Dropped())
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	sink.Emit(context.Background(), RiskEvent(domain.RiskModeNormal, domain.RiskModeHalted,
		domain.RiskState{Symbol: "BTCUSDT", CurrentDrawdown: 0.06}, time.Now()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "risk_mode", line["event"])
	assert.Equal(t, "halted", line["to"])
}

func TestEventJSONSeverityName(t *testing.T) {
	b, err := json.Marshal(UnbalancedEvent(domain.UnbalancedExposure{Symbol: "BTCUSDT"}))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"severity":"critical"`)
}
