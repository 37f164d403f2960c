package engine

import (
	"errors"
	"sync"

	"github.com/metareg-io/metareg/internal/metrics"
)

// ErrMempoolFull is returned by Submit when the mempool is at capacity.
var ErrMempoolFull = errors.New("engine: mempool full")

// Mempool queues requests for the next round. It is safe for concurrent
// use; the round loop drains it at round start.
type Mempool struct {
	mu       sync.Mutex
	items    []Request
	capacity int
	metrics  *metrics.EngineMetrics
}

// NewMempool creates a mempool holding at most capacity requests.
// capacity <= 0 means unbounded. m may be nil.
func NewMempool(capacity int, m *metrics.EngineMetrics) *Mempool {
	return &Mempool{capacity: capacity, metrics: m}
}

// Submit appends a request.
func (p *Mempool) Submit(req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity > 0 && len(p.items) >= p.capacity {
		if p.metrics != nil {
			p.metrics.RecordMempoolRejected()
		}
		return ErrMempoolFull
	}
	p.items = append(p.items, req)
	p.setDepth()
	return nil
}

// Drain removes and returns up to max requests in submission order.
// max <= 0 drains everything.
func (p *Mempool) Drain(max int) []Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.items)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Request, n)
	copy(out, p.items[:n])
	rest := make([]Request, len(p.items)-n)
	copy(rest, p.items[n:])
	p.items = rest
	p.setDepth()
	return out
}

// Requeue puts reqs back at the front of the queue, ahead of anything
// submitted since they were drained. Capacity is not enforced.
func (p *Mempool) Requeue(reqs []Request) {
	if len(reqs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	items := make([]Request, 0, len(reqs)+len(p.items))
	items = append(items, reqs...)
	p.items = append(items, p.items...)
	p.setDepth()
}

// Len returns the number of queued requests.
func (p *Mempool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// setDepth must be called with mu held.
func (p *Mempool) setDepth() {
	if p.metrics != nil {
		p.metrics.SetMempoolDepth(len(p.items))
	}
}
