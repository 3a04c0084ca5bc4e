package reverse

import (
	"sync"

	"github.com/matst80/revtunnel/internal/obs"
)

// Registry holds, per portal tag, the idle control streams and the data
// streams waiting for one. Both queues are FIFO. The registry-wide lock only
// guards the tag map; each tag is serialized by its own mutex.
type Registry struct {
	mu     sync.RWMutex
	tags   map[string]*tagQueue
	closed bool

	// onPair, when set, runs inside the tag's critical section each time
	// an offer forms a pair.
	onPair func(tag string)
}

type tagQueue struct {
	mu       sync.Mutex
	tag      string
	maxDepth int
	idle     []*ControlStream
	waiting  []*DataStream
}

// TagStats is a point-in-time view of one tag's queues.
type TagStats struct {
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

func NewRegistry() *Registry {
	return &Registry{tags: make(map[string]*tagQueue)}
}

// AddPortal creates the queues for tag. maxDepth bounds the waiting data queue.
func (r *Registry) AddPortal(tag string, maxDepth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[tag]; ok {
		return
	}
	r.tags[tag] = &tagQueue{tag: tag, maxDepth: maxDepth}
}

func (r *Registry) with(tag string, fn func(q *tagQueue)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrEngineClosed
	}
	q, ok := r.tags[tag]
	if !ok {
		return ErrUnknownPortal
	}
	q.mu.Lock()
	fn(q)
	q.publish()
	q.mu.Unlock()
	return nil
}

// RegisterControl appends c to its tag's idle queue.
func (r *Registry) RegisterControl(c *ControlStream) error {
	return r.with(c.Tag, func(q *tagQueue) { q.idle = append(q.idle, c) })
}

// AcquireControl claims the oldest idle control stream of tag, or returns nil.
func (r *Registry) AcquireControl(tag string) (*ControlStream, error) {
	var c *ControlStream
	err := r.with(tag, func(q *tagQueue) { c = q.claimIdle() })
	return c, err
}

// EnqueueData appends d to its tag's waiting queue. If that pushes the queue
// past its bound, the oldest waiting stream is removed, told ErrQueueOverflow,
// and returned.
func (r *Registry) EnqueueData(d *DataStream) (*DataStream, error) {
	var evicted *DataStream
	err := r.with(d.Tag, func(q *tagQueue) { evicted = q.enqueue(d) })
	return evicted, err
}

// OfferControl hands c to the oldest waiting data stream if there is one,
// otherwise c goes idle. It returns the data stream that now owns c.
func (r *Registry) OfferControl(c *ControlStream) (*DataStream, error) {
	var d *DataStream
	err := r.with(c.Tag, func(q *tagQueue) {
		if len(q.waiting) == 0 {
			q.idle = append(q.idle, c)
			return
		}
		d = q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		c.transition(Claimed)
		r.paired(c.Tag)
		d.deliver(pairResult{ctrl: c})
	})
	return d, err
}

// OfferData claims the oldest idle control stream for d, or queues d.
func (r *Registry) OfferData(d *DataStream) (ctrl *ControlStream, evicted *DataStream, err error) {
	err = r.with(d.Tag, func(q *tagQueue) {
		if ctrl = q.claimIdle(); ctrl != nil {
			r.paired(d.Tag)
			return
		}
		evicted = q.enqueue(d)
	})
	return ctrl, evicted, err
}

func (r *Registry) paired(tag string) {
	if r.onPair != nil {
		r.onPair(tag)
	}
}

// RemoveControl withdraws an idle control stream and marks it Closed. It
// reports false if c had already left the queue.
func (r *Registry) RemoveControl(c *ControlStream) bool {
	removed := false
	_ = r.with(c.Tag, func(q *tagQueue) {
		for i, x := range q.idle {
			if x == c {
				q.idle = append(q.idle[:i], q.idle[i+1:]...)
				removed = c.transition(Closed)
				return
			}
		}
	})
	return removed
}

// RemoveData withdraws a waiting data stream. It reports false if d had
// already been paired, evicted or drained; its result is then pending.
func (r *Registry) RemoveData(d *DataStream) bool {
	removed := false
	_ = r.with(d.Tag, func(q *tagQueue) {
		for i, x := range q.waiting {
			if x == d {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				removed = true
				return
			}
		}
	})
	return removed
}

// Close rejects further operations and drains every queue. Idle control
// streams move to Closed; waiting data streams receive ErrEngineClosed.
// Closing twice is a no-op.
func (r *Registry) Close() (idle, waiting int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, 0
	}
	r.closed = true
	for _, q := range r.tags {
		q.mu.Lock()
		for _, c := range q.idle {
			if c.transition(Closed) {
				idle++
			}
		}
		for _, d := range q.waiting {
			d.deliver(pairResult{err: ErrEngineClosed})
			waiting++
		}
		q.idle, q.waiting = nil, nil
		q.publish()
		q.mu.Unlock()
	}
	return idle, waiting
}

// Snapshot returns the queue lengths of every tag.
func (r *Registry) Snapshot() map[string]TagStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TagStats, len(r.tags))
	for tag, q := range r.tags {
		q.mu.Lock()
		out[tag] = TagStats{Idle: len(q.idle), Waiting: len(q.waiting)}
		q.mu.Unlock()
	}
	return out
}

func (q *tagQueue) claimIdle() *ControlStream {
	for len(q.idle) > 0 {
		c := q.idle[0]
		q.idle[0] = nil
		q.idle = q.idle[1:]
		if c.transition(Claimed) {
			return c
		}
	}
	return nil
}

func (q *tagQueue) enqueue(d *DataStream) *DataStream {
	q.waiting = append(q.waiting, d)
	if q.maxDepth <= 0 || len(q.waiting) <= q.maxDepth {
		return nil
	}
	evicted := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	evicted.deliver(pairResult{err: ErrQueueOverflow})
	obs.EvictionsTotal.WithLabelValues(q.tag).Inc()
	return evicted
}

// publish mirrors queue lengths into the gauges. Called with q.mu held.
func (q *tagQueue) publish() {
	obs.IdleControls.WithLabelValues(q.tag).Set(float64(len(q.idle)))
	obs.WaitingData.WithLabelValues(q.tag).Set(float64(len(q.waiting)))
}
