package httpcore

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAcceptGuardTimeout bounds how long an Allow check waits on Redis
// before failing open.
const redisAcceptGuardTimeout = 100 * time.Millisecond

// RedisAcceptGuard is an AcceptLimiter whose counters live in Redis instead
// of in one process's memory, so separate processes bound to the same
// address (for example with SO_REUSEPORT) share one quota. AcceptGuard
// keeps its counters in a single process: the workers RunWorkers starts
// share the guard installed on their Server, but another process only
// counts the connections the kernel handed its own listener, so a purely
// in-process quota undercounts a peer spread across processes.
//
// It implements the same sliding-window counting as AcceptGuard, using a
// sorted set per remote address keyed by accept timestamp, trimmed to the
// window on every call.
type RedisAcceptGuard struct {
	client *redis.Client
	window time.Duration
	quota  int
	prefix string
}

// NewRedisAcceptGuard returns a guard allowing at most quota accept attempts
// per remote IP within window, counted against client. prefix namespaces the
// keys this guard writes, so multiple guards can safely share one Redis
// instance.
func NewRedisAcceptGuard(client *redis.Client, quota int, window time.Duration, prefix string) *RedisAcceptGuard {
	return &RedisAcceptGuard{
		client: client,
		window: window,
		quota:  quota,
		prefix: prefix,
	}
}

// Allow records an accept attempt from addr and reports whether it is within
// quota. A quota of 0 means unlimited. Redis errors fail open (the
// connection is allowed) and are logged, since a backing-store outage must
// not itself become a denial-of-service vector on the accept path.
func (g *RedisAcceptGuard) Allow(addr net.Addr) bool {
	if g.quota <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisAcceptGuardTimeout)
	defer cancel()

	key := fmt.Sprintf("%s:%s", g.prefix, hostOf(addr))
	now := time.Now()
	cutoff := now.Add(-g.window)
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := g.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, g.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("redis accept guard: pipeline failed, failing open")
		return true
	}

	if int(countCmd.Val()) >= g.quota {
		return false
	}

	if err := g.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		logger.Warn("redis accept guard: record failed")
	}
	return true
}

// Close releases the underlying Redis client.
func (g *RedisAcceptGuard) Close() error {
	return g.client.Close()
}
