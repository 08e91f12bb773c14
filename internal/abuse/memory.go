package abuse

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

type abuseRecord struct {
	badSignatures int
	windowResetAt time.Time
	bannedUntil   time.Time
}

// MemoryGuard is the default single-process Guard: fixed windows per
// (ip, kind) and one abuse record per ip, all under one mutex.
type MemoryGuard struct {
	mu      sync.Mutex
	clock   clock.Clock
	limits  Limits
	windows map[string]*rateWindow
	abusers map[string]*abuseRecord
}

func NewMemoryGuard(clk clock.Clock, limits Limits) *MemoryGuard {
	return &MemoryGuard{
		clock:   clk,
		limits:  limits,
		windows: make(map[string]*rateWindow),
		abusers: make(map[string]*abuseRecord),
	}
}

func (g *MemoryGuard) Allow(_ context.Context, ip string, kind Kind) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := string(kind) + ":" + ip
	now := g.clock.Now()

	w, ok := g.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(g.limits.RateWindow)}
		g.windows[key] = w
	}
	w.count++
	return w.count <= g.limits.limitFor(kind), nil
}

func (g *MemoryGuard) Banned(_ context.Context, ip string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.abusers[ip]
	if !ok {
		return false, nil
	}
	return g.clock.Now().Before(rec.bannedUntil), nil
}

func (g *MemoryGuard) RecordBadSignature(_ context.Context, ip string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	rec, ok := g.abusers[ip]
	if !ok {
		rec = &abuseRecord{}
		g.abusers[ip] = rec
	}

	if rec.windowResetAt.IsZero() || now.After(rec.windowResetAt) {
		rec.badSignatures = 0
		rec.windowResetAt = now.Add(g.limits.AbuseWindow)
	}

	rec.badSignatures++
	if rec.badSignatures >= g.limits.AbuseThreshold {
		rec.bannedUntil = now.Add(g.limits.BanDuration)
		// Counting restarts once the ban elapses.
		rec.badSignatures = 0
		rec.windowResetAt = time.Time{}
		return true, nil
	}
	return false, nil
}

// Run prunes stale windows and expired, unbanned abuse records on a fixed
// interval until ctx is cancelled.
func (g *MemoryGuard) Run(ctx context.Context, interval time.Duration) {
	ticker := g.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.prune()
		}
	}
}

func (g *MemoryGuard) prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	for key, w := range g.windows {
		if now.After(w.resetAt) {
			delete(g.windows, key)
		}
	}
	for ip, rec := range g.abusers {
		if now.Before(rec.bannedUntil) {
			continue
		}
		if rec.windowResetAt.IsZero() || now.After(rec.windowResetAt) {
			delete(g.abusers, ip)
		}
	}
}
