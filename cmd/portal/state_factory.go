package main

import "github.com/matst80/revtunnel/internal/obs"

// newStatsStore creates either an in-memory or Redis-backed stats store based on configuration
func newStatsStore(redisAddr, redisPassword string, redisDB int) (StatsStore, error) {
	if redisAddr == "" {
		obs.Info("stats.backend", obs.Fields{"type": "in-memory"})
		return newServerState(), nil
	}
	obs.Info("stats.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisStatsStore(redisAddr, redisPassword, redisDB)
}
