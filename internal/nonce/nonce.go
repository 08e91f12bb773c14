// Package nonce issues and consumes the single-use challenge values that
// bind a verification attempt to a prior issuance. Records live in a Store
// (in-process map or Redis) and expire after a fixed TTL.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Record is the stored metadata for one issued nonce. IP and UserAgent are
// issuance metadata only; lookups always go by Value.
type Record struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Consumed  bool      `json:"consumed"`
}

// ConsumeStatus is the outcome of a consume attempt.
type ConsumeStatus string

const (
	ConsumeOK          ConsumeStatus = "ok"
	ConsumeNotFound    ConsumeStatus = "not_found"
	ConsumeExpired     ConsumeStatus = "expired"
	ConsumeAlreadyUsed ConsumeStatus = "already_used"
)

// Stats is a point-in-time snapshot of the nonce table.
type Stats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Consumed int64 `json:"consumed"`
	Expired  int64 `json:"expired"`
}

// Store persists nonce records. Consume must be atomic with respect to
// concurrent calls for the same value: exactly one caller observes ConsumeOK.
// The consumed record is returned alongside ConsumeOK so the caller can use
// its issuance metadata; on any other status the record is zero.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Consume(ctx context.Context, value string, now time.Time) (ConsumeStatus, Record, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Authority generates, consumes and sweeps nonces against a Store.
type Authority struct {
	store Store
	clock clock.Clock
	ttl   time.Duration
}

func NewAuthority(store Store, clk clock.Clock, ttl time.Duration) *Authority {
	return &Authority{store: store, clock: clk, ttl: ttl}
}

const valueBytes = 16 // 128 bits of entropy per issued value

// Issue generates a fresh record and stores it. A failing random source is
// reported to the caller, never papered over.
func (a *Authority) Issue(ctx context.Context, ip, userAgent string) (Record, error) {
	buf := make([]byte, valueBytes)
	if _, err := rand.Read(buf); err != nil {
		return Record{}, fmt.Errorf("nonce entropy: %w", err)
	}

	now := a.clock.Now()
	rec := Record{
		Value:     hex.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
		IP:        ip,
		UserAgent: userAgent,
	}
	if err := a.store.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("save nonce: %w", err)
	}
	return rec, nil
}

// Consume marks the record used. The first caller wins; every later call for
// the same value reports ConsumeAlreadyUsed (or ConsumeNotFound once swept).
func (a *Authority) Consume(ctx context.Context, value string) (ConsumeStatus, Record, error) {
	if value == "" {
		return ConsumeNotFound, Record{}, nil
	}
	return a.store.Consume(ctx, value, a.clock.Now())
}

// Sweep evicts expired records and reports how many were removed.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	return a.store.Sweep(ctx, a.clock.Now())
}

// Stats reports table counters for observability. Off the verify hot path.
func (a *Authority) Stats(ctx context.Context) (Stats, error) {
	return a.store.Stats(ctx, a.clock.Now())
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (a *Authority) Run(ctx context.Context, interval time.Duration) {
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = a.store.Sweep(ctx, a.clock.Now())
		}
	}
}
