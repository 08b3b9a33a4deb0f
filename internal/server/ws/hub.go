// Package ws streams engine events to dashboard clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/events"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope is the frame sent to clients.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type frame struct {
	typ  string
	data []byte
}

// Hub fans engine events out to connected clients. It is an events.Sink:
// Emit never blocks, and frames are dropped when the hub or a client falls
// behind.
type Hub struct {
	hello  func() any
	logger *slog.Logger

	frames  chan frame
	dropped atomic.Int64

	mu      sync.Mutex
	peers   map[*peer]struct{}
	stopped bool
}

// NewHub creates a hub. hello, if set, produces the status payload each
// client receives on connect.
func NewHub(hello func() any, logger *slog.Logger) *Hub {
	return &Hub{
		hello:  hello,
		logger: logger.With(slog.String("component", "ws")),
		frames: make(chan frame, broadcastBuffer),
		peers:  make(map[*peer]struct{}),
	}
}

// Emit implements events.Sink.
func (h *Hub) Emit(_ context.Context, ev events.Event) {
	data, err := json.Marshal(Envelope{Type: string(ev.Type), Payload: ev})
	if err != nil {
		return
	}
	select {
	case h.frames <- frame{typ: string(ev.Type), data: data}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many frames were discarded, hub-wide or per client.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Run broadcasts until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for p := range h.peers {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			return nil
		case f := <-h.frames:
			h.fanOut(f)
		}
	}
}

func (h *Hub) fanOut(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if !p.wants(f.typ) {
			continue
		}
		select {
		case p.send <- f.data:
		default:
			h.dropped.Add(1)
		}
	}
}

// HandleWS upgrades GET /ws. The optional types query parameter is a comma
// separated subscription list.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	p := newPeer(h, conn, r.URL.Query().Get("types"))
	if h.hello != nil {
		if data, err := json.Marshal(Envelope{Type: "status", Payload: h.hello()}); err == nil {
			p.send <- data
		}
	}
	if !h.join(p) {
		_ = conn.Close()
		return
	}
	go p.writeLoop()
	go p.readLoop()
}

func (h *Hub) join(p *peer) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("clients", n))
	return true
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	if ok {
		delete(h.peers, p)
		close(p.send)
	}
	n := len(h.peers)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}

var _ events.Sink = (*Hub)(nil)
