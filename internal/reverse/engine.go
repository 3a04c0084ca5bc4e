package reverse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/revtunnel/internal/obs"
)

// SessionReport is handed to the Reporter when a session is torn down.
// Up counts bytes from the data stream towards the bridge.
type SessionReport struct {
	Tag      string
	Target   string
	Start    time.Time
	Duration time.Duration
	Up       int64
	Down     int64
	Reason   Reason
	Err      error
}

// Reporter receives completion and rejection events. Implementations must be
// safe for concurrent use and should not block.
type Reporter interface {
	SessionClosed(r SessionReport)
	StreamRejected(tag string, kind Class, err error)
}

type nopReporter struct{}

func (nopReporter) SessionClosed(SessionReport)         {}
func (nopReporter) StreamRejected(string, Class, error) {}

// Option customizes an Engine.
type Option func(*Engine)

func WithReporter(r Reporter) Option { return func(e *Engine) { e.reporter = r } }

// WithSpliceGrace sets how long the surviving direction of a session may keep
// flushing after the other one reached end of stream.
func WithSpliceGrace(d time.Duration) Option { return func(e *Engine) { e.grace = d } }

// Engine classifies, pairs and splices inbound streams for a set of portals.
type Engine struct {
	portals  map[string]PortalConfig
	registry *Registry
	reporter Reporter
	grace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	accepting bool
	tasks     sync.WaitGroup

	sessMu   sync.Mutex
	sessCond *sync.Cond
	active   map[string]int
	nActive  int
}

// New validates portals and returns an engine ready to accept streams.
// Configuration problems are returned as *ConfigError.
func New(portals []PortalConfig, opts ...Option) (*Engine, error) {
	pm, err := normalizePortals(portals)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		portals:   pm,
		registry:  NewRegistry(),
		reporter:  nopReporter{},
		grace:     DefaultSpliceGrace,
		ctx:       ctx,
		cancel:    cancel,
		accepting: true,
		active:    make(map[string]int),
	}
	e.sessCond = sync.NewCond(&e.sessMu)
	e.registry.onPair = e.beginSession
	for _, o := range opts {
		o(e)
	}
	for tag, p := range pm {
		e.registry.AddPortal(tag, p.MaxQueueDepth)
	}
	return e, nil
}

// Portal returns the effective configuration of tag.
func (e *Engine) Portal(tag string) (PortalConfig, bool) {
	p, ok := e.portals[tag]
	return p, ok
}

// Submit hands an accepted stream to the engine. It never blocks on I/O:
// classification, pairing and splicing continue in a new goroutine. The
// engine owns s from here on, including when an error is returned.
func (e *Engine) Submit(tag string, s Stream, target string) error {
	p, ok := e.portals[tag]
	if !ok {
		_ = s.Close()
		obs.ErrorsTotal.WithLabelValues("unknown_portal").Inc()
		e.reporter.StreamRejected(tag, DataTraffic, ErrUnknownPortal)
		return ErrUnknownPortal
	}
	e.mu.Lock()
	if !e.accepting {
		e.mu.Unlock()
		_ = s.Close()
		return ErrEngineClosed
	}
	e.tasks.Add(1)
	e.mu.Unlock()

	class := Classify(target, p.Domain)
	obs.Debug("stream.classified", obs.Fields{"portal": tag, "target": target, "class": class.String()})
	if class == ControlCandidate {
		go e.runControl(p, newControlStream(tag, s))
	} else {
		go e.runData(p, newDataStream(tag, s, target))
	}
	return nil
}

func (e *Engine) runControl(p PortalConfig, c *ControlStream) {
	defer e.tasks.Done()
	d, err := e.registry.OfferControl(c)
	if err != nil {
		_ = c.Stream.Close()
		c.markClosed()
		return
	}
	if d != nil {
		// the waiting data stream's task takes over both handles
		return
	}
	obs.Debug("control.idle", obs.Fields{"portal": p.Tag})

	t := time.NewTimer(p.IdleControlTimeout)
	defer t.Stop()
	hungUp := c.watch.start()
wait:
	for {
		select {
		case <-c.left:
			break wait
		case <-hungUp:
			hungUp = nil
			n, err := c.watch.result()
			if err == nil {
				// unexpected bytes stay buffered for the session
				obs.Debug("control.early_data", obs.Fields{"portal": p.Tag, "bytes": n})
				continue
			}
			if e.registry.RemoveControl(c) {
				obs.Info("control.lost", obs.Fields{"portal": p.Tag, "err": err, "idle": time.Since(c.Arrived).String()})
				obs.ErrorsTotal.WithLabelValues("control_lost").Inc()
			}
			break wait
		case <-t.C:
			if e.registry.RemoveControl(c) {
				obs.Info("control.stale", obs.Fields{"portal": p.Tag, "idle": p.IdleControlTimeout.String()})
				obs.PairingTimeouts.WithLabelValues(p.Tag, ControlCandidate.String()).Inc()
				e.reporter.StreamRejected(p.Tag, ControlCandidate, ErrControlStale)
			}
			break wait
		case <-e.ctx.Done():
			e.registry.RemoveControl(c)
			break wait
		}
	}
	<-c.left
	if c.State() == Closed {
		_ = c.Stream.Close()
	}
}

func (e *Engine) runData(p PortalConfig, d *DataStream) {
	defer e.tasks.Done()
	ctrl, evicted, err := e.registry.OfferData(d)
	if err != nil {
		e.rejectData(d, err)
		return
	}
	if evicted != nil {
		obs.Info("data.evicted", obs.Fields{"portal": p.Tag, "target": evicted.Target, "depth": p.MaxQueueDepth})
	}
	if ctrl == nil {
		ctrl, err = e.awaitControl(p, d)
		if err != nil {
			e.rejectData(d, err)
			return
		}
	}
	e.runSession(&Session{Tag: p.Tag, Control: ctrl, Data: d, Start: time.Now()})
}

// awaitControl parks d until it is paired, evicted, drained, timed out or the
// engine is cancelled.
func (e *Engine) awaitControl(p PortalConfig, d *DataStream) (*ControlStream, error) {
	t := time.NewTimer(p.DataWaitTimeout)
	defer t.Stop()
	var fallback error
	select {
	case r := <-d.result:
		return r.ctrl, r.err
	case <-t.C:
		fallback = ErrPairingTimeout
	case <-e.ctx.Done():
		fallback = ErrEngineClosed
	}
	if e.registry.RemoveData(d) {
		return nil, fallback
	}
	r := <-d.result
	return r.ctrl, r.err
}

func (e *Engine) rejectData(d *DataStream, err error) {
	_ = d.Stream.Close()
	switch {
	case errors.Is(err, ErrPairingTimeout):
		obs.Info("data.timeout", obs.Fields{"portal": d.Tag, "target": d.Target, "waited": time.Since(d.Arrived).String()})
		obs.PairingTimeouts.WithLabelValues(d.Tag, DataTraffic.String()).Inc()
	case errors.Is(err, ErrQueueOverflow):
		obs.ErrorsTotal.WithLabelValues("queue_overflow").Inc()
	case errors.Is(err, ErrEngineClosed):
		obs.Debug("data.drained", obs.Fields{"portal": d.Tag})
	}
	e.reporter.StreamRejected(d.Tag, DataTraffic, err)
}

// runSession splices a paired session. The registry already counted it as
// active when the pair was made.
func (e *Engine) runSession(s *Session) {
	defer e.endSession(s.Tag)
	obs.Debug("session.start", obs.Fields{"portal": s.Tag, "target": s.Data.Target, "control_idle": s.Start.Sub(s.Control.Arrived).String()})

	res := Splice(e.ctx, s.Data.Stream, s.Control.Stream, e.grace)
	s.Control.markClosed()

	rep := SessionReport{
		Tag:      s.Tag,
		Target:   s.Data.Target,
		Start:    s.Start,
		Duration: res.Duration,
		Up:       res.AtoB,
		Down:     res.BtoA,
		Reason:   res.Reason,
		Err:      res.Err,
	}
	obs.SessionsTotal.WithLabelValues(s.Tag, string(res.Reason)).Inc()
	obs.SessionDuration.WithLabelValues(s.Tag).Observe(res.Duration.Seconds())
	obs.BytesTotal.WithLabelValues(s.Tag, "up").Add(float64(res.AtoB))
	obs.BytesTotal.WithLabelValues(s.Tag, "down").Add(float64(res.BtoA))
	fields := obs.Fields{
		"portal":   s.Tag,
		"target":   s.Data.Target,
		"reason":   string(res.Reason),
		"up":       sizestr.ToString(res.AtoB),
		"down":     sizestr.ToString(res.BtoA),
		"duration": res.Duration.String(),
	}
	var se *SpliceError
	if errors.As(res.Err, &se) {
		fields["leg"] = se.Leg
		fields["op"] = se.Op
		fields["err"] = se.Err
		obs.ErrorsTotal.WithLabelValues("splice_" + se.Leg).Inc()
		obs.Error("session.closed", fields)
	} else {
		obs.Info("session.closed", fields)
	}
	e.reporter.SessionClosed(rep)
}

func (e *Engine) beginSession(tag string) {
	e.sessMu.Lock()
	e.active[tag]++
	e.nActive++
	obs.ActiveSessions.WithLabelValues(tag).Set(float64(e.active[tag]))
	e.sessMu.Unlock()
}

func (e *Engine) endSession(tag string) {
	e.sessMu.Lock()
	e.active[tag]--
	e.nActive--
	obs.ActiveSessions.WithLabelValues(tag).Set(float64(e.active[tag]))
	if e.nActive == 0 {
		e.sessCond.Broadcast()
	}
	e.sessMu.Unlock()
}

// PortalStats is the per-tag view returned by Stats.
type PortalStats struct {
	Domain   string `json:"domain"`
	Idle     int    `json:"idle"`
	Waiting  int    `json:"waiting"`
	Sessions int    `json:"sessions"`
}

// Stats returns current queue lengths and active sessions per portal.
func (e *Engine) Stats() map[string]PortalStats {
	snap := e.registry.Snapshot()
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	out := make(map[string]PortalStats, len(e.portals))
	for tag, p := range e.portals {
		q := snap[tag]
		out[tag] = PortalStats{Domain: p.Domain, Idle: q.Idle, Waiting: q.Waiting, Sessions: e.active[tag]}
	}
	return out
}

// Accepting reports whether Submit still takes new streams.
func (e *Engine) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepting
}

// Shutdown stops accepting streams. With graceful set, queued and idle
// streams are closed first and Shutdown then waits for the sessions in flight
// to end on their own; remaining work is cancelled afterwards. Without it
// everything is torn down at once. Shutdown blocks until every goroutine
// started by the engine has returned and may be called repeatedly or
// concurrently; a forced call interrupts a graceful one that is still waiting.
func (e *Engine) Shutdown(graceful bool) {
	e.mu.Lock()
	e.accepting = false
	e.mu.Unlock()

	if graceful {
		// no pair can form after the registry is closed, and every pair formed
		// before is already counted in nActive
		e.drainQueues()
		e.sessMu.Lock()
		for e.nActive > 0 {
			e.sessCond.Wait()
		}
		e.sessMu.Unlock()
	} else {
		e.cancel()
		e.drainQueues()
	}
	e.cancel()
	e.tasks.Wait()
}

func (e *Engine) drainQueues() {
	idle, waiting := e.registry.Close()
	if idle > 0 || waiting > 0 {
		obs.Info("engine.drained", obs.Fields{"idle": idle, "waiting": waiting})
	}
}
