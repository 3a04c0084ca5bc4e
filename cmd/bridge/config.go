package main

import (
	"flag"
	"time"

	"github.com/matst80/revtunnel/internal/config"
	"github.com/matst80/revtunnel/internal/reverse"
)

// Flags holds bridge runtime configuration. With -config the file's
// reverse.bridges replace the single-bridge flags.
type Flags struct {
	ConfigFile       string
	Tag              string
	Domain           string
	PortalAddr       string
	Target           string
	Pool             int
	MaxRetryInterval time.Duration
	DialTimeout      time.Duration
	Debug            bool
	EnableTLS        bool
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string
	TLSServerName    string
}

var cfg Flags

// init registers all bridge flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ConfigFile, "config", "", "JSON or YAML config file with reverse.bridges")
	flag.StringVar(&cfg.Tag, "tag", "bridge", "bridge tag")
	flag.StringVar(&cfg.Domain, "domain", "", "rendezvous domain announced to the portal")
	flag.StringVar(&cfg.PortalAddr, "portal", "127.0.0.1:1024", "portal interconn address")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:80", "private service to expose")
	flag.IntVar(&cfg.Pool, "pool", 0, "idle connections kept open to the portal (0 = default)")
	flag.DurationVar(&cfg.MaxRetryInterval, "max-retry", 0, "upper bound of the reconnect backoff (0 = default)")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 0, "timeout for portal and target dials (0 = default)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "use TLS towards the portal")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "CA file used to verify the portal certificate")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "client certificate for mTLS")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "client key for mTLS")
	flag.StringVar(&cfg.TLSServerName, "tls-server-name", "", "expected portal certificate name (defaults to the portal host)")
}

func loadConfig(f Flags) (*config.Config, error) {
	if f.ConfigFile != "" {
		c, err := config.Load(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		if f.Debug {
			c.Log.Debug = true
		}
		return c, nil
	}
	c := &config.Config{SpliceGrace: reverse.DefaultSpliceGrace}
	c.Log.Debug = f.Debug
	c.Reverse.Bridges = []config.Bridge{{
		Tag:              f.Tag,
		Domain:           f.Domain,
		Portal:           f.PortalAddr,
		Target:           f.Target,
		Pool:             f.Pool,
		MaxRetryInterval: f.MaxRetryInterval,
		DialTimeout:      f.DialTimeout,
		TLS:              f.EnableTLS,
	}}
	c.TLS = config.TLS{Cert: f.TLSCertFile, Key: f.TLSKeyFile, CA: f.TLSCAFile, ServerName: f.TLSServerName}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
