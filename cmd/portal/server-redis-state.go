package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/matst80/revtunnel/internal/obs"
	"github.com/matst80/revtunnel/internal/reverse"
	"github.com/redis/go-redis/v9"
)

const (
	redisPortalsKey     = "revtunnel:portals"
	redisStatsPrefix    = "revtunnel:stats:"
	redisInstancePrefix = "revtunnel:instance:"
)

// redisStatsStore implements StatsStore on Redis so that several portal
// instances behind one address report shared totals. Counters are hashes
// per tag; each instance also publishes its live engine view under a key
// that expires when heartbeats stop.
type redisStatsStore struct {
	client     *redis.Client
	mu         sync.Mutex
	closing    bool
	ready      bool
	stopped    bool
	instanceID string

	// counter updates are applied by a single writer so reporting never
	// waits on Redis
	updates    chan statsUpdate
	writerDone chan struct{}

	opTimeout         time.Duration
	heartbeatInterval time.Duration
	instanceTTL       time.Duration
}

func newRedisStatsStore(addr, password string, db int) (*redisStatsStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	host, _ := os.Hostname()
	r := &redisStatsStore{
		client:            rdb,
		instanceID:        fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
		updates:           make(chan statsUpdate, 1024),
		writerDone:        make(chan struct{}),
		opTimeout:         2 * time.Second,
		heartbeatInterval: 10 * time.Second,
		instanceTTL:       30 * time.Second,
	}
	go r.writer()
	return r, nil
}

type statsUpdate struct {
	tag    string
	deltas map[string]int64
}

var _ StatsStore = (*redisStatsStore)(nil)

func (r *redisStatsStore) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStatsStore) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStatsStore) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStatsStore) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

// incr queues deltas for tag. When the queue is full the update is dropped
// and counted; stats never hold up a session.
func (r *redisStatsStore) incr(tag string, deltas map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.updates <- statsUpdate{tag: tag, deltas: deltas}:
	default:
		obs.ErrorsTotal.WithLabelValues("redis_stats_dropped").Inc()
	}
}

func (r *redisStatsStore) writer() {
	defer close(r.writerDone)
	for u := range r.updates {
		r.apply(u)
	}
}

// apply writes one update in a single round trip.
func (r *redisStatsStore) apply(u statsUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, redisPortalsKey, u.tag)
	for f, n := range u.deltas {
		pipe.HIncrBy(ctx, redisStatsPrefix+u.tag, f, n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.stats.incr", obs.Fields{"err": err, "portal": u.tag})
		obs.ErrorsTotal.WithLabelValues("redis_stats").Inc()
	}
}

func (r *redisStatsStore) SessionClosed(rep reverse.SessionReport) { r.incr(rep.Tag, sessionDeltas(rep)) }

func (r *redisStatsStore) StreamRejected(tag string, _ reverse.Class, err error) {
	r.incr(tag, map[string]int64{rejectionField(err): 1})
}

func (r *redisStatsStore) recordLimited(tag string) { r.incr(tag, map[string]int64{fieldLimited: 1}) }

func (r *redisStatsStore) totals() (map[string]PortalTotals, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	tags, err := r.client.SMembers(ctx, redisPortalsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis portals: %w", err)
	}
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tags))
	for _, tag := range tags {
		cmds[tag] = pipe.HGetAll(ctx, redisStatsPrefix+tag)
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis stats: %w", err)
		}
	}
	out := make(map[string]PortalTotals, len(cmds))
	for tag, cmd := range cmds {
		out[tag] = totalsFromHash(cmd.Val())
	}
	return out, nil
}

func (r *redisStatsStore) instances() (map[string]map[string]reverse.PortalStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	var keys []string
	iter := r.client.Scan(ctx, 0, redisInstancePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan instances: %w", err)
	}
	out := make(map[string]map[string]reverse.PortalStats, len(keys))
	for _, key := range keys {
		val, err := r.client.Get(ctx, key).Result()
		if err != nil {
			if err != redis.Nil {
				obs.Error("redis.instance.get", obs.Fields{"err": err, "key": key})
			}
			continue
		}
		var live map[string]reverse.PortalStats
		if err := json.Unmarshal([]byte(val), &live); err != nil {
			obs.Error("redis.instance.unmarshal", obs.Fields{"err": err, "key": key})
			continue
		}
		out[strings.TrimPrefix(key, redisInstancePrefix)] = live
	}
	return out, nil
}

// startMaintenance publishes this instance's live view until ctx ends, then
// removes it.
func (r *redisStatsStore) startMaintenance(ctx context.Context, live func() map[string]reverse.PortalStats) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	r.heartbeat(live())
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
			_ = r.client.Del(dctx, redisInstancePrefix+r.instanceID).Err()
			cancel()
			return
		case <-ticker.C:
			r.heartbeat(live())
		}
	}
}

func (r *redisStatsStore) heartbeat(live map[string]reverse.PortalStats) {
	data, err := json.Marshal(live)
	if err != nil {
		obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, redisInstancePrefix+r.instanceID, data, r.instanceTTL).Err(); err != nil {
		obs.Error("redis.heartbeat.set", obs.Fields{"err": err, "instance": r.instanceID})
	}
}

// close flushes queued updates and closes the client.
func (r *redisStatsStore) close() error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.updates)
	}
	r.mu.Unlock()
	<-r.writerDone
	return r.client.Close()
}
