package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/matst80/revtunnel/internal/reverse"
	"github.com/spf13/viper"
)

// Config is the file-level configuration shared by the portal and bridge
// binaries. Its reverse section follows the bridges/portals layout of the
// classic reverse proxy object.
type Config struct {
	Log struct {
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"log"`

	Metrics          string        `mapstructure:"metrics"`
	DrainTimeout     time.Duration `mapstructure:"drainTimeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	SpliceGrace      time.Duration `mapstructure:"spliceGrace"`

	Inbounds []Inbound `mapstructure:"inbounds"`
	Reverse  Reverse   `mapstructure:"reverse"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	TLS TLS `mapstructure:"tls"`
}

// Inbound is a portal-side listener. Streams accepted on it are dispatched
// to the portal named by Portal. Preamble inbounds expect a target line
// first; others carry plain payload whose target is unknown.
type Inbound struct {
	Tag      string `mapstructure:"tag"`
	Listen   string `mapstructure:"listen"`
	Portal   string `mapstructure:"portal"`
	Preamble bool   `mapstructure:"preamble"`
	TLS      bool   `mapstructure:"tls"`
}

type Reverse struct {
	Bridges []Bridge `mapstructure:"bridges"`
	Portals []Portal `mapstructure:"portals"`
}

type Bridge struct {
	Tag              string        `mapstructure:"tag"`
	Domain           string        `mapstructure:"domain"`
	Portal           string        `mapstructure:"portal"`
	Target           string        `mapstructure:"target"`
	Pool             int           `mapstructure:"pool"`
	MaxRetryInterval time.Duration `mapstructure:"maxRetryInterval"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	TLS              bool          `mapstructure:"tls"`
}

type Portal struct {
	Tag                string        `mapstructure:"tag"`
	Domain             string        `mapstructure:"domain"`
	MaxQueueDepth      int           `mapstructure:"maxQueueDepth"`
	IdleControlTimeout time.Duration `mapstructure:"idleControlTimeout"`
	DataWaitTimeout    time.Duration `mapstructure:"dataWaitTimeout"`
	RateLimit          float64       `mapstructure:"rateLimit"`
	Burst              int           `mapstructure:"burst"`
}

type TLS struct {
	Cert       string `mapstructure:"cert"`
	Key        string `mapstructure:"key"`
	CA         string `mapstructure:"ca"`
	ServerName string `mapstructure:"serverName"`
}

// Load reads a JSON or YAML file. Values can be overridden with REVTUNNEL_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("REVTUNNEL")
	v.SetDefault("metrics", ":9100")
	v.SetDefault("drainTimeout", 30*time.Second)
	v.SetDefault("handshakeTimeout", 10*time.Second)
	v.SetDefault("spliceGrace", reverse.DefaultSpliceGrace)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross references between inbounds, portals and bridges.
func (c *Config) Validate() error {
	var errs []error
	portals := make(map[string]string)
	for i, p := range c.Reverse.Portals {
		if p.Tag == "" || p.Domain == "" {
			errs = append(errs, fmt.Errorf("reverse.portals[%d]: tag and domain are required", i))
			continue
		}
		if d, ok := portals[p.Tag]; ok && d != p.Domain {
			errs = append(errs, fmt.Errorf("reverse.portals[%d]: tag %q already uses domain %q", i, p.Tag, d))
		}
		portals[p.Tag] = p.Domain
	}
	inbounds := make(map[string]bool)
	for i, in := range c.Inbounds {
		switch {
		case in.Listen == "":
			errs = append(errs, fmt.Errorf("inbounds[%d]: listen is required", i))
		case portals[in.Portal] == "":
			errs = append(errs, fmt.Errorf("inbounds[%d]: unknown portal %q", i, in.Portal))
		case in.Tag != "" && inbounds[in.Tag]:
			errs = append(errs, fmt.Errorf("inbounds[%d]: duplicate tag %q", i, in.Tag))
		}
		if in.TLS && (c.TLS.Cert == "" || c.TLS.Key == "") {
			errs = append(errs, fmt.Errorf("inbounds[%d]: tls requires tls.cert and tls.key", i))
		}
		inbounds[in.Tag] = true
	}
	for i, b := range c.Reverse.Bridges {
		if b.Tag == "" || b.Domain == "" || b.Portal == "" || b.Target == "" {
			errs = append(errs, fmt.Errorf("reverse.bridges[%d]: tag, domain, portal and target are required", i))
		}
		if b.Pool < 0 {
			errs = append(errs, fmt.Errorf("reverse.bridges[%d]: negative pool", i))
		}
	}
	return errors.Join(errs...)
}

// PortalConfigs converts the portal section for the rendezvous engine.
func (c *Config) PortalConfigs() []reverse.PortalConfig {
	out := make([]reverse.PortalConfig, 0, len(c.Reverse.Portals))
	for _, p := range c.Reverse.Portals {
		out = append(out, reverse.PortalConfig{
			Tag:                p.Tag,
			Domain:             p.Domain,
			MaxQueueDepth:      p.MaxQueueDepth,
			IdleControlTimeout: p.IdleControlTimeout,
			DataWaitTimeout:    p.DataWaitTimeout,
		})
	}
	return out
}
