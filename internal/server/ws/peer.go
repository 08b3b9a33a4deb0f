package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// subscription changes the event types a client receives. "*" selects all.
type subscription struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Types  []string `json:"types"`
}

type peer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

func newPeer(h *Hub, conn *websocket.Conn, types string) *peer {
	p := &peer{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		topics: map[string]bool{"*": true},
	}
	if types != "" {
		p.topics = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.topics[t] = true
			}
		}
	}
	return p
}

func (p *peer) wants(typ string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.topics["*"] || p.topics[typ]
}

func (p *peer) apply(sub subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range sub.Types {
		switch sub.Action {
		case "subscribe":
			p.topics[t] = true
		case "unsubscribe":
			delete(p.topics, t)
		}
	}
}

func (p *peer) readLoop() {
	defer func() {
		p.hub.leave(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscription
		if json.Unmarshal(msg, &sub) == nil && sub.Action != "" {
			p.apply(sub)
		}
	}
}

func (p *peer) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
