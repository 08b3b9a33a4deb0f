package feed

import (
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// MailboxStats counts what a mailbox did with offered books.
type MailboxStats struct {
	Accepted   int64 `json:"accepted"`
	Coalesced  int64 `json:"coalesced"` // replaced a book nobody read
	OutOfOrder int64 `json:"out_of_order"`
	Foreign    int64 `json:"foreign"` // wrong symbol
}

// Mailbox holds the latest book per venue for one symbol. Feeds write with
// Offer, which never blocks; the symbol pipeline is woken through a
// single-slot channel and reads whatever is newest. Intermediate books are
// coalesced.
type Mailbox struct {
	symbol string
	notify chan struct{}

	mu     sync.Mutex
	books  map[domain.Venue]domain.Book
	unread map[domain.Venue]bool
	stats  MailboxStats
}

// NewMailbox creates a mailbox for symbol.
func NewMailbox(symbol string) *Mailbox {
	return &Mailbox{
		symbol: symbol,
		notify: make(chan struct{}, 1),
		books:  make(map[domain.Venue]domain.Book),
		unread: make(map[domain.Venue]bool),
	}
}

// Symbol returns the mailbox's symbol.
func (m *Mailbox) Symbol() string { return m.symbol }

// Offer stores b as the venue's latest book. Books for another symbol and
// books older than the one held are dropped.
func (m *Mailbox) Offer(b domain.Book) bool {
	m.mu.Lock()
	if b.Symbol != m.symbol {
		m.stats.Foreign++
		m.mu.Unlock()
		return false
	}
	if cur, ok := m.books[b.Venue]; ok && b.Timestamp.Before(cur.Timestamp) {
		m.stats.OutOfOrder++
		m.mu.Unlock()
		return false
	}
	if m.unread[b.Venue] {
		m.stats.Coalesced++
	}
	m.books[b.Venue] = b
	m.unread[b.Venue] = true
	m.stats.Accepted++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Notify is signalled after one or more accepted offers.
func (m *Mailbox) Notify() <-chan struct{} { return m.notify }

// Latest returns the newest book held for v.
func (m *Mailbox) Latest(v domain.Venue) (domain.Book, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[v]
	return b, ok
}

// Pair returns the newest books for a and b and marks them read. ok is false
// until both venues have delivered a book.
func (m *Mailbox) Pair(a, b domain.Venue) (ba, bb domain.Book, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ba, okA := m.books[a]
	bb, okB := m.books[b]
	m.unread[a] = false
	m.unread[b] = false
	return ba, bb, okA && okB
}

// Stats returns a copy of the counters.
func (m *Mailbox) Stats() MailboxStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
