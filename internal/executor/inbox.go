package executor

import (
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ReportKind tells a symbol pipeline what an execution report carries.
type ReportKind int

const (
	ReportFill ReportKind = iota
	ReportOrderClosed
	ReportPairClosed
	ReportUnbalanced
)

func (k ReportKind) String() string {
	switch k {
	case ReportFill:
		return "fill"
	case ReportOrderClosed:
		return "order_closed"
	case ReportPairClosed:
		return "pair_closed"
	case ReportUnbalanced:
		return "unbalanced"
	}
	return "unknown"
}

// Report is one piece of execution feedback for the owning pipeline.
type Report struct {
	Kind       ReportKind
	Symbol     string
	Fill       *domain.Fill
	Order      *domain.OrderResult
	Pair       *domain.PairResult
	Unbalanced *domain.UnbalancedExposure
}

// Inbox is an unbounded per-symbol queue of reports. Push never blocks, so
// order goroutines can always hand off fills even when the pipeline has
// stopped reading; whatever is left is drained at shutdown.
type Inbox struct {
	mu     sync.Mutex
	queue  []Report
	notify chan struct{}
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{notify: make(chan struct{}, 1)}
}

// Push appends a report and wakes the reader.
func (in *Inbox) Push(r Report) {
	in.mu.Lock()
	in.queue = append(in.queue, r)
	in.mu.Unlock()
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// C is signalled after one or more pushes.
func (in *Inbox) C() <-chan struct{} { return in.notify }

// Drain removes and returns all queued reports in push order.
func (in *Inbox) Drain() []Report {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.queue
	in.queue = nil
	return out
}

// Len returns the number of queued reports.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}
