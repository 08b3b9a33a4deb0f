package httpgw

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

func newVenue(t *testing.T) (*httptest.Server, *[]orderRequest) {
	t.Helper()
	var received []orderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		var req orderRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		received = append(received, req)
		if req.Quantity > 100 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(errorResponse{Code: "size", Message: "quantity too large"})
			return
		}
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "v-1", ClientOrderID: req.ClientOrderID, Status: "new"})
	})
	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "v-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "v-1", Status: "partially_filled", FilledQty: 0.4, AvgPrice: 50070, Fee: 0.02})
	})
	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_order_id") != "o-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "v-1", Status: "canceled"})
	})
	mux.HandleFunc("DELETE /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &received
}

func order(qty float64) domain.Order {
	return domain.Order{ID: "o-1", Venue: "b", Symbol: "BTCUSDT", Side: domain.OrderSideSell,
		Quantity: qty, Price: 50070, LimitPrice: 50020, Intent: domain.IntentFlatten}
}

func TestSubmitPollCancel(t *testing.T) {
	srv, received := newVenue(t)
	c := New(Config{Venue: "b", BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second})
	ctx := context.Background()

	h, err := c.Submit(ctx, order(1))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderHandle{OrderID: "o-1", VenueOrderID: "v-1", Venue: "b"}, h)
	require.Len(t, *received, 1)
	assert.Equal(t, 50020.0, (*received)[0].Price, "submits at the limit price")
	assert.True(t, (*received)[0].ReduceOnly)

	st, err := c.PollStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.Status)
	assert.Equal(t, 0.4, st.FilledQty)

	assert.NoError(t, c.Cancel(ctx, h), "already closed is fine")

	st, err = c.PollStatus(ctx, domain.OrderHandle{OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, st.Status)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newVenue(t)
	c := New(Config{Venue: "b", BaseURL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	_, err := c.Submit(ctx, order(1000))
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Contains(t, err.Error(), "quantity too large")

	_, err = c.PollStatus(ctx, domain.OrderHandle{OrderID: "x", VenueOrderID: "v-9"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignedRequests(t *testing.T) {
	verifier := crypto.NewSigner("key-b", "venue-secret")
	var verified int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		if !verifier.Verify(r.Header, r.Method, r.URL.RequestURI(), body) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		verified++
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "v-1", Status: "new"})
	}))
	t.Cleanup(srv.Close)

	c := New(Config{Venue: "b", BaseURL: srv.URL, APIKey: "key-b", APISecret: "venue-secret"})
	h, err := c.Submit(context.Background(), order(1))
	require.NoError(t, err)
	_, err = c.PollStatus(context.Background(), domain.OrderHandle{OrderID: h.OrderID})
	require.NoError(t, err)
	assert.Equal(t, 2, verified)

	bad := New(Config{Venue: "b", BaseURL: srv.URL, APIKey: "key-b", APISecret: "wrong"})
	_, err = bad.Submit(context.Background(), order(1))
	assert.ErrorIs(t, err, domain.ErrOrderRejected, "403 is a definitive rejection")
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, domain.OrderStatusSubmitted, mapStatus("NEW"))
	assert.Equal(t, domain.OrderStatusCancelled, mapStatus("expired"))
	assert.Equal(t, domain.OrderStatusRejected, mapStatus("rejected"))
	assert.Equal(t, domain.OrderStatusFilled, mapStatus("filled"))
}
