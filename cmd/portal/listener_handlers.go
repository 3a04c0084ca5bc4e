package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"

	"github.com/matst80/revtunnel/internal/config"
	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/proto"
	"github.com/matst80/revtunnel/internal/ratelimit"
	"github.com/matst80/revtunnel/internal/reverse"
)

var errRateLimited = errors.New("rate limited")

// dispatcher hands accepted connections of every inbound to the engine.
type dispatcher struct {
	engine    *reverse.Engine
	limiter   *ratelimit.Limiter
	state     StatsStore
	handshake time.Duration
}

func acceptInbound(ctx context.Context, ln net.Listener, in config.Inbound, d *dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error(), "inbound": in.Tag})
				continue
			}
			return
		}
		go d.handle(c, in)
	}
}

// handle reads the target preamble on preamble inbounds, applies the
// portal's admission limit to data traffic and submits the stream.
func (d *dispatcher) handle(c net.Conn, in config.Inbound) {
	var stream reverse.Stream = c
	target := ""
	if in.Preamble {
		_ = c.SetDeadline(time.Now().Add(d.handshake))
		rd := bufio.NewReaderSize(c, proto.MaxPreamble)
		dest, err := proto.ReadDest(rd)
		if err != nil {
			obs.Error("inbound.preamble", obs.Fields{"err": err, "inbound": in.Tag, "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("preamble").Inc()
			_ = c.Close()
			return
		}
		_ = c.SetDeadline(time.Time{})
		stream = proto.NewBufferedConn(c, rd)
		target = dest.Target
	}

	if p, ok := d.engine.Portal(in.Portal); ok && reverse.Classify(target, p.Domain) == reverse.DataTraffic {
		if !d.limiter.Allow(in.Portal) {
			obs.Debug("inbound.limited", obs.Fields{"portal": in.Portal, "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			d.state.recordLimited(in.Portal)
			_ = c.Close()
			return
		}
	}
	if err := d.engine.Submit(in.Portal, stream, target); err != nil && !errors.Is(err, reverse.ErrEngineClosed) {
		obs.Error("inbound.submit", obs.Fields{"err": err, "inbound": in.Tag, "portal": in.Portal})
	}
}

// createServerTLSConfig creates a TLS configuration for the portal with mTLS support
func createServerTLSConfig(t config.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	// If CA file is provided, enable mTLS (mutual authentication)
	if t.CA != "" {
		caCert, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, err
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": t.CA})
	}

	return tlsConfig, nil
}

// createListener creates either a plain TCP or TLS listener based on tlsConfig
func createListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}
