package reverse

import (
	"fmt"
	"time"
)

const (
	DefaultMaxQueueDepth      = 64
	DefaultDataWaitTimeout    = 10 * time.Second
	DefaultIdleControlTimeout = 5 * time.Minute
	DefaultSpliceGrace        = 2 * time.Second
)

// PortalConfig describes one portal. Zero values select the defaults above.
type PortalConfig struct {
	Tag                string
	Domain             string
	MaxQueueDepth      int
	IdleControlTimeout time.Duration
	DataWaitTimeout    time.Duration
}

func (p PortalConfig) withDefaults() PortalConfig {
	if p.MaxQueueDepth == 0 {
		p.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if p.DataWaitTimeout == 0 {
		p.DataWaitTimeout = DefaultDataWaitTimeout
	}
	if p.IdleControlTimeout == 0 {
		p.IdleControlTimeout = DefaultIdleControlTimeout
	}
	return p
}

func (p PortalConfig) validate() error {
	switch {
	case p.Tag == "":
		return &ConfigError{Reason: "empty tag"}
	case p.Domain == "":
		return &ConfigError{Tag: p.Tag, Reason: "empty domain"}
	case p.MaxQueueDepth < 0:
		return &ConfigError{Tag: p.Tag, Reason: fmt.Sprintf("negative maxQueueDepth %d", p.MaxQueueDepth)}
	case p.DataWaitTimeout < 0:
		return &ConfigError{Tag: p.Tag, Reason: "negative dataWaitTimeout"}
	case p.IdleControlTimeout < 0:
		return &ConfigError{Tag: p.Tag, Reason: "negative idleControlTimeout"}
	}
	return nil
}

// normalizePortals validates the list and folds exact duplicates. A tag that
// appears twice with different domains is rejected.
func normalizePortals(portals []PortalConfig) (map[string]PortalConfig, error) {
	out := make(map[string]PortalConfig, len(portals))
	for _, p := range portals {
		if err := p.validate(); err != nil {
			return nil, err
		}
		p = p.withDefaults()
		if prev, ok := out[p.Tag]; ok {
			if prev.Domain != p.Domain {
				return nil, &ConfigError{Tag: p.Tag, Reason: fmt.Sprintf("conflicting domains %q and %q", prev.Domain, p.Domain)}
			}
			if prev != p {
				return nil, &ConfigError{Tag: p.Tag, Reason: "declared twice with different limits"}
			}
			continue
		}
		out[p.Tag] = p
	}
	if len(out) == 0 {
		return nil, &ConfigError{Reason: "no portals configured"}
	}
	return out, nil
}
