package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/matst80/revtunnel/internal/reverse"
)

// serverState is the single-instance StatsStore.
type serverState struct {
	mu         sync.Mutex
	portals    map[string]*PortalTotals
	closing    bool
	ready      bool
	instanceID string
	live       func() map[string]reverse.PortalStats
}

func newServerState() *serverState {
	host, _ := os.Hostname()
	return &serverState{portals: make(map[string]*PortalTotals), instanceID: fmt.Sprintf("%s-%d", host, os.Getpid())}
}

var _ StatsStore = (*serverState)(nil)

func (s *serverState) bump(tag string, deltas map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.portals[tag]
	if t == nil {
		t = &PortalTotals{}
		s.portals[tag] = t
	}
	for f, n := range deltas {
		t.add(f, n)
	}
}

func (s *serverState) SessionClosed(r reverse.SessionReport) { s.bump(r.Tag, sessionDeltas(r)) }

func (s *serverState) StreamRejected(tag string, _ reverse.Class, err error) {
	s.bump(tag, map[string]int64{rejectionField(err): 1})
}

func (s *serverState) recordLimited(tag string) { s.bump(tag, map[string]int64{fieldLimited: 1}) }

func (s *serverState) totals() (map[string]PortalTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PortalTotals, len(s.portals))
	for tag, t := range s.portals {
		out[tag] = *t
	}
	return out, nil
}

func (s *serverState) instances() (map[string]map[string]reverse.PortalStats, error) {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live == nil {
		return nil, nil
	}
	return map[string]map[string]reverse.PortalStats{s.instanceID: live()}, nil
}

// startMaintenance only records the live view; there is nothing to refresh.
func (s *serverState) startMaintenance(_ context.Context, live func() map[string]reverse.PortalStats) {
	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }
func (s *serverState) close() error            { return nil }
