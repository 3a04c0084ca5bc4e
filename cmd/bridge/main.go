package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/matst80/revtunnel/internal/bridge"
	"github.com/matst80/revtunnel/internal/config"
	"github.com/matst80/revtunnel/internal/obs"
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
	if len(conf.Reverse.Bridges) == 0 {
		obs.Error("config.load", obs.Fields{"err": "no reverse.bridges configured"})
		os.Exit(1)
	}

	dialers, err := buildDialers(conf)
	if err != nil {
		obs.Error("bridge.config", obs.Fields{"err": err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, d := range dialers {
		d := d
		wg.Add(1)
		go func() { defer wg.Done(); d.Run(ctx) }()
	}
	<-ctx.Done()
	obs.Info("bridge.shutdown.signal", obs.Fields{})
	wg.Wait()
	obs.Info("bridge.shutdown.complete", obs.Fields{})
}

func buildDialers(conf *config.Config) ([]*bridge.Dialer, error) {
	var out []*bridge.Dialer
	for _, b := range conf.Reverse.Bridges {
		bc := bridge.Config{
			Tag:              b.Tag,
			Domain:           b.Domain,
			PortalAddr:       b.Portal,
			Target:           b.Target,
			PoolSize:         b.Pool,
			MaxRetryInterval: b.MaxRetryInterval,
			DialTimeout:      b.DialTimeout,
			SpliceGrace:      conf.SpliceGrace,
		}
		if b.TLS {
			tc, err := createClientTLSConfig(conf.TLS, b.Portal)
			if err != nil {
				return nil, err
			}
			bc.TLS = tc
		}
		d, err := bridge.New(bc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// createClientTLSConfig verifies the portal against the CA file when given
// and presents a client certificate when cert and key are set (mTLS).
func createClientTLSConfig(t config.TLS, portalAddr string) (*tls.Config, error) {
	serverName := t.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(portalAddr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	tlsConfig := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}

	if t.CA != "" {
		caCert, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if t.Cert != "" && t.Key != "" {
		cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		obs.Info("tls.client_cert", obs.Fields{"cert_file": t.Cert})
	}
	return tlsConfig, nil
}
