package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/proto"
	"github.com/matst80/revtunnel/internal/reverse"
)

const (
	DefaultPoolSize         = 4
	DefaultMaxRetryInterval = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second

	// an idle connection dropped after at least this long counts as healthy
	// and does not grow the backoff
	healthyIdle = 5 * time.Second
)

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config describes one bridge: where the portal is, which rendezvous domain
// to present and which private service activated connections are relayed to.
type Config struct {
	Tag              string
	Domain           string
	PortalAddr       string
	Target           string
	PoolSize         int
	MaxRetryInterval time.Duration
	DialTimeout      time.Duration
	SpliceGrace      time.Duration
	TLS              *tls.Config

	// DialPortal and DialTarget replace the default TCP dialers.
	DialPortal DialFunc
	DialTarget DialFunc
}

// Stats counts the dialer's connections.
type Stats struct {
	Idle         int64 `json:"idle"`
	Active       int64 `json:"active"`
	DialFailures int64 `json:"dial_failures"`
	Relayed      int64 `json:"relayed"`
}

// Dialer keeps PoolSize idle control connections open to a portal.
type Dialer struct {
	cfg Config

	idle     atomic.Int64
	active   atomic.Int64
	failures atomic.Int64
	relayed  atomic.Int64

	relays sync.WaitGroup
}

// New applies defaults and checks the required fields.
func New(cfg Config) (*Dialer, error) {
	if cfg.Tag == "" || cfg.Domain == "" || cfg.PortalAddr == "" || cfg.Target == "" {
		return nil, errors.New("bridge: tag, domain, portal address and target are required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SpliceGrace <= 0 {
		cfg.SpliceGrace = reverse.DefaultSpliceGrace
	}
	if cfg.DialPortal == nil {
		cfg.DialPortal = tcpDialer(cfg.DialTimeout, cfg.TLS)
	}
	if cfg.DialTarget == nil {
		cfg.DialTarget = tcpDialer(cfg.DialTimeout, nil)
	}
	return &Dialer{cfg: cfg}, nil
}

func tcpDialer(timeout time.Duration, tlsCfg *tls.Config) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	if tlsCfg == nil {
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return td.DialContext(ctx, "tcp", addr)
	}
}

func (d *Dialer) Stats() Stats {
	return Stats{Idle: d.idle.Load(), Active: d.active.Load(), DialFailures: d.failures.Load(), Relayed: d.relayed.Load()}
}

// Run maintains the pool until ctx is cancelled, then waits for relays to end.
func (d *Dialer) Run(ctx context.Context) {
	obs.Info("bridge.start", obs.Fields{"bridge": d.cfg.Tag, "portal": d.cfg.PortalAddr, "target": d.cfg.Target, "pool": d.cfg.PoolSize})
	var slots sync.WaitGroup
	for i := 0; i < d.cfg.PoolSize; i++ {
		slots.Add(1)
		go func(slot int) {
			defer slots.Done()
			d.runSlot(ctx, slot)
		}(i)
	}
	slots.Wait()
	d.relays.Wait()
	obs.Info("bridge.stopped", obs.Fields{"bridge": d.cfg.Tag})
}

func (d *Dialer) runSlot(ctx context.Context, slot int) {
	b := &backoff.Backoff{Max: d.cfg.MaxRetryInterval}
	for ctx.Err() == nil {
		err := d.serveOnce(ctx, b)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			wait := b.Duration()
			obs.Debug("bridge.retry", obs.Fields{"bridge": d.cfg.Tag, "slot": slot, "err": err, "attempt": int(b.Attempt()), "wait": wait.String()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// serveOnce dials the portal, announces the rendezvous domain and waits for
// the first payload byte. An activated connection is handed to a relay
// goroutine and serveOnce returns nil so the slot redials right away. The
// backoff is reset on activation or after a long enough idle period, so an
// endpoint that accepts and drops at once keeps the slot backing off.
func (d *Dialer) serveOnce(ctx context.Context, b *backoff.Backoff) error {
	conn, err := d.cfg.DialPortal(ctx, d.cfg.PortalAddr)
	if err != nil {
		d.failures.Add(1)
		obs.BridgeDialFailures.WithLabelValues(d.cfg.Tag, "portal").Inc()
		return fmt.Errorf("dial portal: %w", err)
	}
	if err := proto.WriteDest(conn, d.cfg.Domain); err != nil {
		_ = conn.Close()
		d.failures.Add(1)
		obs.BridgeDialFailures.WithLabelValues(d.cfg.Tag, "preamble").Inc()
		return fmt.Errorf("write preamble: %w", err)
	}

	d.setIdle(1)
	idleSince := time.Now()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	rd := bufio.NewReader(conn)
	_, err = rd.Peek(1)
	d.setIdle(-1)
	if !stop() {
		return ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		if time.Since(idleSince) >= healthyIdle {
			b.Reset()
		}
		return fmt.Errorf("idle control closed: %w", err)
	}
	// only activation proves the portal end is really serving
	b.Reset()

	d.relays.Add(1)
	go func() {
		defer d.relays.Done()
		d.relay(ctx, proto.NewBufferedConn(conn, rd))
	}()
	return nil
}

// relay forwards an activated control connection to the private target. An
// unreachable target ends the session like any other splice failure.
func (d *Dialer) relay(ctx context.Context, ctrl net.Conn) {
	d.active.Add(1)
	obs.BridgeActive.WithLabelValues(d.cfg.Tag).Inc()
	defer func() {
		d.active.Add(-1)
		obs.BridgeActive.WithLabelValues(d.cfg.Tag).Dec()
	}()

	target, err := d.cfg.DialTarget(ctx, d.cfg.Target)
	if err != nil {
		_ = ctrl.Close()
		d.failures.Add(1)
		obs.BridgeDialFailures.WithLabelValues(d.cfg.Tag, "target").Inc()
		obs.Error("bridge.target", obs.Fields{"bridge": d.cfg.Tag, "target": d.cfg.Target, "err": &reverse.SpliceError{Leg: "target", Op: "dial", Err: err}})
		return
	}
	res := reverse.SpliceLegs(ctx, ctrl, target, "control", "target", d.cfg.SpliceGrace)
	d.relayed.Add(1)
	fields := obs.Fields{
		"bridge":   d.cfg.Tag,
		"reason":   string(res.Reason),
		"in":       sizestr.ToString(res.AtoB),
		"out":      sizestr.ToString(res.BtoA),
		"duration": res.Duration.String(),
	}
	if res.Err != nil && res.Reason == reverse.ReasonError {
		fields["err"] = res.Err
		obs.Error("bridge.relay.closed", fields)
		return
	}
	obs.Debug("bridge.relay.closed", fields)
}

func (d *Dialer) setIdle(delta int64) {
	d.idle.Add(delta)
	obs.BridgeIdle.WithLabelValues(d.cfg.Tag).Add(float64(delta))
}
