package main

import (
	"time"

	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/reverse"
)

// PortalState joins the live engine view of a portal with its totals.
type PortalState struct {
	reverse.PortalStats
	Totals PortalTotals `json:"totals"`
}

// Stats represents current portal stats for the state API.
type Stats struct {
	Ready     bool                                      `json:"ready"`
	Closing   bool                                      `json:"closing"`
	Portals   map[string]PortalState                    `json:"portals"`
	Instances map[string]map[string]reverse.PortalStats `json:"instances,omitempty"`
	Now       string                                    `json:"now"`
}

func collectStats(e *reverse.Engine, s StatsStore) Stats {
	totals, err := s.totals()
	if err != nil {
		obs.Error("stats.totals", obs.Fields{"err": err})
	}
	inst, err := s.instances()
	if err != nil {
		obs.Error("stats.instances", obs.Fields{"err": err})
	}
	st := Stats{
		Ready:     s.isReady(),
		Closing:   s.isClosing(),
		Portals:   make(map[string]PortalState),
		Instances: inst,
		Now:       time.Now().UTC().Format(time.RFC3339),
	}
	for tag, live := range e.Stats() {
		st.Portals[tag] = PortalState{PortalStats: live, Totals: totals[tag]}
	}
	return st
}
