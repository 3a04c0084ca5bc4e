package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/ratelimit"
	"github.com/matst80/revtunnel/internal/reverse"
)

func main() {
	flag.Parse()
	conf, err := loadConfig(cfg)
	if err != nil {
		obs.Error("config.load", obs.Fields{"err": err})
		os.Exit(1)
	}
	if conf.Log.Debug {
		obs.EnableDebug(true)
	}

	state, err := newStatsStore(conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB)
	if err != nil {
		obs.Error("stats.backend", obs.Fields{"err": err})
		os.Exit(1)
	}
	defer state.close()

	opts := []reverse.Option{reverse.WithReporter(state)}
	if conf.SpliceGrace > 0 {
		opts = append(opts, reverse.WithSpliceGrace(conf.SpliceGrace))
	}
	engine, err := reverse.New(conf.PortalConfigs(), opts...)
	if err != nil {
		obs.Error("engine.config", obs.Fields{"err": err})
		os.Exit(1)
	}
	limiter := ratelimit.NewLimiter()
	for _, p := range conf.Reverse.Portals {
		limiter.Set(p.Tag, p.RateLimit, p.Burst)
	}

	var tlsConfig *tls.Config
	for _, in := range conf.Inbounds {
		if in.TLS {
			if tlsConfig, err = createServerTLSConfig(conf.TLS); err != nil {
				obs.Error("tls.config", obs.Fields{"err": err})
				os.Exit(1)
			}
			break
		}
	}

	listeners := make([]net.Listener, len(conf.Inbounds))
	for i, in := range conf.Inbounds {
		var tc *tls.Config
		if in.TLS {
			tc = tlsConfig
		}
		ln, err := createListener(in.Listen, tc)
		if err != nil {
			obs.Error("listen.inbound", obs.Fields{"err": err, "inbound": in.Tag, "addr": in.Listen})
			os.Exit(1)
		}
		defer ln.Close()
		listeners[i] = ln
		obs.Info("inbound.listening", obs.Fields{"inbound": in.Tag, "addr": ln.Addr().String(), "portal": in.Portal, "preamble": in.Preamble, "tls": in.TLS})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := startMetricsServer(conf.Metrics, engine, state)
	maintCtx, stopMaint := context.WithCancel(context.Background())
	maintDone := make(chan struct{})
	go func() { defer close(maintDone); state.startMaintenance(maintCtx, engine.Stats) }()

	d := &dispatcher{engine: engine, limiter: limiter, state: state, handshake: conf.HandshakeTimeout}
	var wg sync.WaitGroup
	for i, in := range conf.Inbounds {
		i, in := i, in
		wg.Add(1)
		go func() { defer wg.Done(); acceptInbound(ctx, listeners[i], in, d) }()
	}

	state.setReady(true)
	obs.Info("portal.ready", obs.Fields{"portals": len(conf.Reverse.Portals), "inbounds": len(conf.Inbounds), "metrics": conf.Metrics})

	<-ctx.Done()
	obs.Info("portal.shutdown.signal", obs.Fields{"drain": conf.DrainTimeout.String()})
	state.setClosing(true)
	for _, ln := range listeners {
		_ = ln.Close()
	}
	wg.Wait()
	if !drain(engine, conf.DrainTimeout) {
		obs.Warn("portal.shutdown.forced", obs.Fields{"after": conf.DrainTimeout.String()})
	}

	stopMaint()
	<-maintDone
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(sctx)
	obs.Info("portal.shutdown.complete", obs.Fields{})
}

// drain shuts the engine down gracefully, upgrading to a forced shutdown
// once timeout elapses. It reports whether the graceful path finished.
func drain(e *reverse.Engine, timeout time.Duration) bool {
	if timeout <= 0 {
		e.Shutdown(false)
		return false
	}
	done := make(chan struct{})
	go func() {
		e.Shutdown(true)
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		e.Shutdown(false)
		<-done
		return false
	}
}
