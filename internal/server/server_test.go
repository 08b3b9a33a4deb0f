package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func statusWith(mode domain.RiskMode) StatusFunc {
	return func() Status {
		return Status{Mode: "dry_run", Strategy: "arbitrage", Symbols: []SymbolStatus{{
			Symbol:   "BTCUSDT",
			Risk:     domain.RiskState{Symbol: "BTCUSDT", Mode: mode},
			Exposure: domain.Exposure{Symbol: "BTCUSDT", Net: 0.5, Gross: 1.5},
		}}}
	}
}

func get(t *testing.T, h http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAndAuth(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "arb_up 1\n") })
	s := NewServer(Config{APIKey: "k"}, statusWith(domain.RiskModeNormal), metrics, nil, testLogger())
	h := s.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "").Code, "scrapes need no key")
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status", "wrong").Code)

	rec := get(t, h, "/api/positions", "k")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Positions []domain.Exposure `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Positions, 1)
	assert.Equal(t, 1.5, body.Positions[0].Gross)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/risk/ETHUSDT", "k").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/risk/BTCUSDT", "k").Code)
}

func TestStatusUnavailableWhenHalted(t *testing.T) {
	s := NewServer(Config{}, statusWith(domain.RiskModeHalted), nil, nil, testLogger())
	rec := get(t, s.Handler(), "/api/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.RiskModeHalted, st.Symbols[0].Risk.Mode)
}

func TestHubStreamsSubscribedEvents(t *testing.T) {
	hub := ws.NewHub(func() any { return map[string]string{"mode": "dry_run"} }, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := NewServer(Config{}, statusWith(domain.RiskModeNormal), nil, hub, testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?types=fill"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello ws.Envelope
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "status", hello.Type)

	// Registration is asynchronous; keep emitting until the fill arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.Emit(ctx, events.StaleEvent("BTCUSDT", "ignored", time.Now()))
				hub.Emit(ctx, events.FillEvent(domain.Fill{ID: "f1", Symbol: "BTCUSDT", Venue: "a", Quantity: 1}))
			}
		}
	}()

	var got ws.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "fill", got.Type, "unsubscribed types are filtered")
}

type fakeAudit struct {
	got postgres.AuditQuery
}

func (f *fakeAudit) List(_ context.Context, q postgres.AuditQuery) ([]postgres.AuditEntry, error) {
	f.got = q
	return []postgres.AuditEntry{{ID: 1, Event: "risk_mode", Symbol: q.Symbol, Severity: "critical"}}, nil
}

func TestAuditEndpoint(t *testing.T) {
	audit := &fakeAudit{}
	s := NewServer(Config{Audit: audit}, statusWith(domain.RiskModeNormal), nil, nil, testLogger())
	h := s.Handler()

	rec := get(t, h, "/api/audit?symbol=BTCUSDT&limit=9999&since=2026-03-14T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", audit.got.Symbol)
	assert.Equal(t, maxAuditLimit, audit.got.Limit)
	require.NotNil(t, audit.got.Since)

	var body struct {
		Entries []postgres.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "risk_mode", body.Entries[0].Event)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/audit?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/audit?since=yesterday", "").Code)

	noAudit := NewServer(Config{}, statusWith(domain.RiskModeNormal), nil, nil, testLogger())
	assert.Equal(t, http.StatusNotFound, get(t, noAudit.Handler(), "/api/audit", "").Code)
}

type fakeOrders struct {
	open      map[string]bool
	cancelled []string
}

func (f *fakeOrders) Cancel(id string) bool {
	if !f.open[id] {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func TestCancelOrderEndpoint(t *testing.T) {
	orders := &fakeOrders{open: map[string]bool{"o1": true}}
	h := NewServer(Config{APIKey: "k", Orders: orders}, statusWith(domain.RiskModeNormal), nil, nil, testLogger()).Handler()

	post := func(path, key string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, post("/api/orders/o1/cancel", ""))
	assert.Empty(t, orders.cancelled)
	assert.Equal(t, http.StatusAccepted, post("/api/orders/o1/cancel", "k"))
	assert.Equal(t, http.StatusNotFound, post("/api/orders/o2/cancel", "k"))
	assert.Equal(t, []string{"o1"}, orders.cancelled)
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/api/orders/o1/cancel", "k").Code)

	open := NewServer(Config{Orders: orders}, statusWith(domain.RiskModeNormal), nil, nil, testLogger()).Handler()
	req := httptest.NewRequest(http.MethodPost, "/api/orders/o1/cancel", nil)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no cancel route without an API key")
}
