package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matst80/revtunnel/internal/config"
	"github.com/matst80/revtunnel/internal/obs"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestBuildDialersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	err := os.WriteFile(path, []byte(`
reverse:
  bridges:
    - tag: a
      domain: a.example.com
      portal: 10.0.0.1:1024
      target: 127.0.0.1:80
      pool: 2
      maxRetryInterval: 5s
    - tag: b
      domain: b.example.com
      portal: 10.0.0.1:1024
      target: 127.0.0.1:81
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	conf, err := loadConfig(Flags{ConfigFile: path})
	if err != nil {
		t.Fatal(err)
	}
	if conf.Reverse.Bridges[0].MaxRetryInterval != 5*time.Second {
		t.Fatalf("bridges %+v", conf.Reverse.Bridges)
	}
	ds, err := buildDialers(conf)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 2 {
		t.Fatalf("%d dialers", len(ds))
	}
}

func TestLoadConfigFromFlagsRequiresDomain(t *testing.T) {
	if _, err := loadConfig(Flags{Tag: "bridge", PortalAddr: "p:1", Target: "t:1"}); err == nil {
		t.Fatal("missing domain accepted")
	}
	c, err := loadConfig(Flags{Tag: "bridge", Domain: "test.xray.com", PortalAddr: "p:1", Target: "t:1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Reverse.Bridges) != 1 || c.SpliceGrace == 0 {
		t.Fatalf("%+v", c)
	}
}

func TestClientTLSServerNameFromPortal(t *testing.T) {
	tc, err := createClientTLSConfig(config.TLS{}, "portal.example.com:1024")
	if err != nil {
		t.Fatal(err)
	}
	if tc.ServerName != "portal.example.com" || tc.RootCAs != nil {
		t.Fatalf("%+v", tc)
	}
}
