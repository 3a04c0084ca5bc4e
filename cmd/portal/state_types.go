package main

import (
	"errors"
	"strconv"

	"github.com/matst80/revtunnel/internal/reverse"
)

// PortalTotals are cumulative counters for one portal tag.
type PortalTotals struct {
	Sessions int64 `json:"sessions"`
	Failed   int64 `json:"failed"`
	Up       int64 `json:"bytes_up"`
	Down     int64 `json:"bytes_down"`
	Timeouts int64 `json:"timeouts"`
	Stale    int64 `json:"stale"`
	Evicted  int64 `json:"evicted"`
	Drained  int64 `json:"drained"`
	Limited  int64 `json:"limited"`
	Rejected int64 `json:"rejected"`
}

// Field names double as Redis hash fields.
const (
	fieldSessions = "sessions"
	fieldFailed   = "failed"
	fieldUp       = "bytes_up"
	fieldDown     = "bytes_down"
	fieldTimeouts = "timeouts"
	fieldStale    = "stale"
	fieldEvicted  = "evicted"
	fieldDrained  = "drained"
	fieldLimited  = "limited"
	fieldRejected = "rejected"
)

func (t *PortalTotals) add(field string, n int64) {
	switch field {
	case fieldSessions:
		t.Sessions += n
	case fieldFailed:
		t.Failed += n
	case fieldUp:
		t.Up += n
	case fieldDown:
		t.Down += n
	case fieldTimeouts:
		t.Timeouts += n
	case fieldStale:
		t.Stale += n
	case fieldEvicted:
		t.Evicted += n
	case fieldDrained:
		t.Drained += n
	case fieldLimited:
		t.Limited += n
	case fieldRejected:
		t.Rejected += n
	}
}

// totalsFromHash parses a Redis hash; unknown fields and bad numbers are skipped.
func totalsFromHash(h map[string]string) PortalTotals {
	var t PortalTotals
	for k, v := range h {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		t.add(k, n)
	}
	return t
}

// sessionDeltas lists the counters a finished session moves.
func sessionDeltas(r reverse.SessionReport) map[string]int64 {
	d := map[string]int64{fieldSessions: 1, fieldUp: r.Up, fieldDown: r.Down}
	if r.Reason == reverse.ReasonError {
		d[fieldFailed] = 1
	}
	return d
}

func rejectionField(err error) string {
	switch {
	case errors.Is(err, reverse.ErrPairingTimeout):
		return fieldTimeouts
	case errors.Is(err, reverse.ErrControlStale):
		return fieldStale
	case errors.Is(err, reverse.ErrQueueOverflow):
		return fieldEvicted
	case errors.Is(err, reverse.ErrEngineClosed):
		return fieldDrained
	default:
		return fieldRejected
	}
}
