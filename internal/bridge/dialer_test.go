package bridge

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/proto"
	"github.com/matst80/revtunnel/internal/reverse"
)

const domain = "test.xray.com"

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// startPortal runs an engine behind two listeners: one reading a target
// preamble (bridges) and one raw (public clients).
func startPortal(t *testing.T) (e *reverse.Engine, interconn, public string) {
	t.Helper()
	e, err := reverse.New([]reverse.PortalConfig{{Tag: "portal", Domain: domain, DataWaitTimeout: 2 * time.Second}},
		reverse.WithSpliceGrace(100*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Shutdown(false) })

	ic := listen(t)
	go func() {
		for {
			c, err := ic.Accept()
			if err != nil {
				return
			}
			go func() {
				rd := bufio.NewReaderSize(c, proto.MaxPreamble)
				dest, err := proto.ReadDest(rd)
				if err != nil {
					_ = c.Close()
					return
				}
				_ = e.Submit("portal", proto.NewBufferedConn(c, rd), dest.Target)
			}()
		}
	}()
	pub := listen(t)
	go func() {
		for {
			c, err := pub.Accept()
			if err != nil {
				return
			}
			_ = e.Submit("portal", c, "")
		}
	}()
	return e, ic.Addr().String(), pub.Addr().String()
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln := listen(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func runDialer(t *testing.T, cfg Config) *Dialer {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dialer did not stop")
		}
	})
	return d
}

func TestBridgeRelaysPublicTrafficToTarget(t *testing.T) {
	e, interconn, public := startPortal(t)
	d := runDialer(t, Config{Tag: "bridge", Domain: domain, PortalAddr: interconn, Target: startEcho(t), PoolSize: 2, SpliceGrace: 100 * time.Millisecond})

	waitFor(t, 2*time.Second, "idle pool", func() bool { return e.Stats()["portal"].Idle == 2 })

	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", public)
		if err != nil {
			t.Fatal(err)
		}
		msg := []byte("ping through the bridge")
		if _, err := c.Write(msg); err != nil {
			t.Fatal(err)
		}
		got := make([]byte, len(msg))
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(c, got); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if string(got) != string(msg) {
			t.Fatalf("echo %q", got)
		}
		_ = c.Close()
	}
	// activated connections are replaced so the pool stays full
	waitFor(t, 2*time.Second, "pool refilled", func() bool { return e.Stats()["portal"].Idle == 2 })
	waitFor(t, 2*time.Second, "relays counted", func() bool { return d.Stats().Relayed == 3 })
}

func TestBridgeUnreachableTargetClosesSession(t *testing.T) {
	e, interconn, public := startPortal(t)
	dead := listen(t)
	deadAddr := dead.Addr().String()
	_ = dead.Close()
	d := runDialer(t, Config{Tag: "bridge", Domain: domain, PortalAddr: interconn, Target: deadAddr, PoolSize: 1})
	waitFor(t, 2*time.Second, "idle control", func() bool { return e.Stats()["portal"].Idle == 1 })

	c, err := net.Dial("tcp", public)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, _ = c.Write([]byte("hello"))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	waitFor(t, 2*time.Second, "target failure counted", func() bool { return d.Stats().DialFailures >= 1 })
	waitFor(t, 2*time.Second, "slot redialed", func() bool { return e.Stats()["portal"].Idle == 1 })
}

func TestBridgeBacksOffWhilePortalDown(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}
	d := runDialer(t, Config{Tag: "bridge", Domain: domain, PortalAddr: "portal:1", Target: "svc:1", PoolSize: 1, MaxRetryInterval: 200 * time.Millisecond, DialPortal: dial})

	time.Sleep(time.Second)
	n := attempts.Load()
	// waits of 100ms then 200ms
	if n < 3 || n > 12 {
		t.Fatalf("%d dial attempts in one second", n)
	}
	if f := d.Stats().DialFailures; f < int64(n)-1 || f > int64(n) {
		t.Fatalf("failures %d for %d attempts", f, n)
	}
}

func TestBridgeBacksOffWhenPortalAcceptsThenDrops(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		dials.Add(1)
		client, server := net.Pipe()
		go func() {
			_, _ = proto.ReadDest(bufio.NewReaderSize(server, proto.MaxPreamble))
			_ = server.Close()
		}()
		return client, nil
	}
	runDialer(t, Config{Tag: "bridge", Domain: domain, PortalAddr: "portal:1", Target: "svc:1", PoolSize: 1, MaxRetryInterval: 10 * time.Second, DialPortal: dial})

	time.Sleep(time.Second)
	// waits of 100, 200 and 400ms leave room for four dials, not ten
	if n := dials.Load(); n < 2 || n > 6 {
		t.Fatalf("%d dials in one second", n)
	}
}

func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "portal"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func TestBridgeDialsPortalOverTLS(t *testing.T) {
	cert, pool := selfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				dest, err := proto.ReadDest(bufio.NewReaderSize(c, proto.MaxPreamble))
				if err == nil {
					got <- dest.Target
				}
			}()
		}
	}()

	d := runDialer(t, Config{Tag: "bridge", Domain: domain, PortalAddr: ln.Addr().String(), Target: "svc:1", PoolSize: 1, TLS: &tls.Config{RootCAs: pool}})
	select {
	case target := <-got:
		if target != domain {
			t.Fatalf("preamble target %q", target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no preamble over TLS")
	}
	waitFor(t, time.Second, "idle over TLS", func() bool { return d.Stats().Idle == 1 })
	if f := d.Stats().DialFailures; f != 0 {
		t.Fatalf("dial failures %d", f)
	}
}

func TestBridgeRedialsAfterPortalDropsIdle(t *testing.T) {
	ln := listen(t)
	var accepted atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = c.Close()
		}
	}()
	runDialer(t, Config{Tag: "bridge", Domain: domain, PortalAddr: ln.Addr().String(), Target: "svc:1", PoolSize: 1, MaxRetryInterval: 50 * time.Millisecond})
	waitFor(t, 2*time.Second, "redials", func() bool { return accepted.Load() >= 3 })
}

func TestNewRequiresFields(t *testing.T) {
	if _, err := New(Config{Tag: "b"}); err == nil {
		t.Fatal("expected error")
	}
	d, err := New(Config{Tag: "b", Domain: domain, PortalAddr: "p:1", Target: "t:1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.cfg.PoolSize != DefaultPoolSize || d.cfg.MaxRetryInterval != DefaultMaxRetryInterval {
		t.Fatalf("defaults: %+v", d.cfg)
	}
}
