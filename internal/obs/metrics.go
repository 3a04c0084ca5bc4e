package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IdleControls    = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "revtunnel_idle_controls", Help: "Idle control streams waiting to be claimed"}, []string{"portal"})
	WaitingData     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "revtunnel_waiting_data", Help: "Data streams queued for a control stream"}, []string{"portal"})
	ActiveSessions  = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "revtunnel_active_sessions", Help: "Sessions currently being spliced"}, []string{"portal"})
	SessionsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtunnel_sessions_total", Help: "Sessions by termination reason"}, []string{"portal", "reason"})
	PairingTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtunnel_pairing_timeouts_total", Help: "Streams closed after waiting too long"}, []string{"portal", "kind"})
	EvictionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtunnel_evictions_total", Help: "Waiting data streams evicted by queue overflow"}, []string{"portal"})
	BytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtunnel_bytes_total", Help: "Spliced bytes by direction"}, []string{"portal", "direction"})
	ErrorsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "revtunnel_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"portal"})

	BridgeIdle         = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "revtunnel_bridge_idle", Help: "Idle bridge control connections"}, []string{"bridge"})
	BridgeActive       = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "revtunnel_bridge_active", Help: "Bridge connections relaying payload"}, []string{"bridge"})
	BridgeDialFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtunnel_bridge_dial_failures_total", Help: "Failed dials by stage"}, []string{"bridge", "stage"})
)
