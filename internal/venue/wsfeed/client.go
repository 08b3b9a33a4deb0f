// Package wsfeed streams depth snapshots from a venue's WebSocket endpoint.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// defaultPongWait is the time allowed to read the next message or pong.
	defaultPongWait = 60 * time.Second
)

// Config describes one venue's market data endpoint.
type Config struct {
	Venue            domain.Venue
	URL              string
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	// Buffer is the capacity of the channel returned by Subscribe.
	Buffer int
}

// Client implements venue.MarketData over a WebSocket. Each Subscribe opens
// its own connection; reconnection is left to the caller.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With(slog.String("component", "wsfeed"), slog.String("venue", string(cfg.Venue))),
	}
}

// Venue returns the venue this client reads.
func (c *Client) Venue() domain.Venue { return c.cfg.Venue }

// Subscribe dials the endpoint, subscribes to symbol's book channel and
// streams normalized books. The channel closes when the connection drops or
// ctx is done.
func (c *Client) Subscribe(ctx context.Context, symbol string) (<-chan domain.Book, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsfeed %s: connect: %w", c.cfg.Venue, err)
	}

	cmd := Command{Op: "subscribe", Channel: "book", Symbol: symbol}
	data, err := json.Marshal(cmd)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsfeed %s: marshal command: %w", c.cfg.Venue, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsfeed %s: subscribe %s: %w", c.cfg.Venue, symbol, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	out := make(chan domain.Book, c.cfg.Buffer)
	done := make(chan struct{})
	go c.readLoop(ctx, conn, symbol, out, done)
	go c.pingLoop(ctx, conn, done)
	return out, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, out chan<- domain.Book, done chan struct{}) {
	defer close(out)
	defer close(done)
	defer conn.Close()

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		b, ok := c.decode(raw, symbol)
		if !ok {
			continue
		}
		select {
		case out <- b:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) decode(raw []byte, symbol string) (domain.Book, bool) {
	var msg BookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug("unparseable message", slog.Int("len", len(raw)))
		return domain.Book{}, false
	}
	if msg.Type != "book" || msg.Symbol != symbol {
		return domain.Book{}, false
	}
	b, err := ToBook(c.cfg.Venue, &msg, time.Now())
	if err != nil {
		c.logger.Debug("book rejected", slog.String("error", err.Error()))
		return domain.Book{}, false
	}
	return b, true
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

var _ venue.MarketData = (*Client)(nil)
