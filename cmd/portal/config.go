package main

import (
	"flag"
	"time"

	"github.com/matst80/revtunnel/internal/config"
	"github.com/matst80/revtunnel/internal/reverse"
)

// Flags holds command line settings. A -config file replaces the
// single-portal flags; -debug and -metrics still apply on top of it.
type Flags struct {
	ConfigFile       string
	Tag              string
	Domain           string
	InterconnAddr    string
	PublicAddr       string
	MetricsAddr      string
	Debug            bool
	MaxQueueDepth    int
	DataWaitTimeout  time.Duration
	IdleTimeout      time.Duration
	DrainTimeout     time.Duration
	HandshakeTimeout time.Duration
	RateLimit        float64
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	TLSCertFile      string
	TLSKeyFile       string
	TLSCAFile        string
	EnableTLS        bool
}

var cfg Flags

func init() {
	flag.StringVar(&cfg.ConfigFile, "config", "", "JSON or YAML config file with inbounds and reverse.portals")
	flag.StringVar(&cfg.Tag, "tag", "portal", "portal tag")
	flag.StringVar(&cfg.Domain, "domain", "", "rendezvous domain shared with the bridge (e.g. test.xray.com)")
	flag.StringVar(&cfg.InterconnAddr, "interconn", ":1024", "listener for bridge control connections (target preamble)")
	flag.StringVar(&cfg.PublicAddr, "public", ":8080", "public listener; its traffic is relayed through the bridge")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics and health listen address (default :9100)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.IntVar(&cfg.MaxQueueDepth, "max-queue", 0, "max data streams waiting per portal (0 = default)")
	flag.DurationVar(&cfg.DataWaitTimeout, "data-wait", 0, "how long a data stream waits for a bridge (0 = default)")
	flag.DurationVar(&cfg.IdleTimeout, "control-idle", 0, "how long an idle bridge connection is kept (0 = default)")
	flag.DurationVar(&cfg.DrainTimeout, "drain-timeout", 30*time.Second, "graceful shutdown limit before sessions are cut")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for reading a target preamble")
	flag.Float64Var(&cfg.RateLimit, "rate-limit", 0, "data streams per second admitted per portal (0 = unlimited)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for shared stats; empty keeps stats in memory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "enable TLS on the interconn listener")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for bridge certificate verification (enables mTLS)")
}

// loadConfig builds the effective configuration from -config or from flags.
func loadConfig(f Flags) (*config.Config, error) {
	var c *config.Config
	if f.ConfigFile != "" {
		var err error
		if c, err = config.Load(f.ConfigFile); err != nil {
			return nil, err
		}
	} else {
		c = fromFlags(f)
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	if f.Debug {
		c.Log.Debug = true
	}
	if f.MetricsAddr != "" {
		c.Metrics = f.MetricsAddr
	}
	if c.Metrics == "" {
		c.Metrics = ":9100"
	}
	return c, nil
}

func fromFlags(f Flags) *config.Config {
	c := &config.Config{
		DrainTimeout:     f.DrainTimeout,
		HandshakeTimeout: f.HandshakeTimeout,
		SpliceGrace:      reverse.DefaultSpliceGrace,
		Inbounds: []config.Inbound{
			{Tag: "external", Listen: f.PublicAddr, Portal: f.Tag},
			{Tag: "interconn", Listen: f.InterconnAddr, Portal: f.Tag, Preamble: true, TLS: f.EnableTLS},
		},
	}
	c.Reverse.Portals = []config.Portal{{
		Tag:                f.Tag,
		Domain:             f.Domain,
		MaxQueueDepth:      f.MaxQueueDepth,
		DataWaitTimeout:    f.DataWaitTimeout,
		IdleControlTimeout: f.IdleTimeout,
		RateLimit:          f.RateLimit,
	}}
	c.Redis.Addr = f.RedisAddr
	c.Redis.Password = f.RedisPassword
	c.Redis.DB = f.RedisDB
	c.TLS = config.TLS{Cert: f.TLSCertFile, Key: f.TLSKeyFile, CA: f.TLSCAFile}
	return c
}
