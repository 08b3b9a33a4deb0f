package wsfeed

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Command is sent to the venue to manage subscriptions.
type Command struct {
	Op      string `json:"op"` // "subscribe" or "unsubscribe"
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// Level is one "[price, size]" pair as sent on the wire.
type Level [2]string

// BookMessage is a full depth snapshot for one symbol.
type BookMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	Timestamp string  `json:"ts"` // unix milliseconds or RFC 3339
}

// ToBook normalizes a snapshot: zero-size levels are removed, sides are
// sorted best first and the result is validated.
func ToBook(v domain.Venue, m *BookMessage, now time.Time) (domain.Book, error) {
	bids, err := levels(m.Bids)
	if err != nil {
		return domain.Book{}, fmt.Errorf("wsfeed: bids: %w", err)
	}
	asks, err := levels(m.Asks)
	if err != nil {
		return domain.Book{}, fmt.Errorf("wsfeed: asks: %w", err)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	b := domain.Book{
		Venue:     v,
		Symbol:    m.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: parseTimestamp(m.Timestamp, now),
	}
	if err := b.Validate(); err != nil {
		return domain.Book{}, err
	}
	return b, nil
}

func levels(in []Level) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		p, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl[0], err)
		}
		s, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lvl[1], err)
		}
		if s == 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out, nil
}

func parseTimestamp(s string, now time.Time) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return now
}
