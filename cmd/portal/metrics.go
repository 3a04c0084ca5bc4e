package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/reverse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newMetricsMux(e *reverse.Engine, state StatsStore) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(e, state)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.isClosing() || !state.isReady() || !e.Accepting() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// startMetricsServer serves Prometheus metrics plus health and state endpoints.
func startMetricsServer(addr string, e *reverse.Engine, state StatsStore) *http.Server {
	srv := &http.Server{Addr: addr, Handler: newMetricsMux(e, state), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}
