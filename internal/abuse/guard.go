// Package abuse protects the verifier itself: per-IP fixed-window rate
// limiting for nonce issuance and verification, plus an escalation path that
// turns repeated invalid-signature submissions into a temporary full ban.
package abuse

import (
	"context"
	"time"
)

// Kind names one rate-limited operation. Issue and verify windows are
// tracked independently; exhausting one never affects the other.
type Kind string

const (
	KindIssue  Kind = "issue"
	KindVerify Kind = "verify"
)

// Limits carries the tunables shared by every Guard implementation.
type Limits struct {
	RateWindow     time.Duration
	IssueLimit     int
	VerifyLimit    int
	AbuseWindow    time.Duration
	AbuseThreshold int
	BanDuration    time.Duration
}

// Guard is checked before any other verification work, so rejected callers
// never touch the nonce table or the token codec.
type Guard interface {
	// Allow counts the call against the (ip, kind) window and reports
	// whether it is within the configured limit.
	Allow(ctx context.Context, ip string, kind Kind) (bool, error)
	// Banned reports whether the IP is inside an active abuse ban.
	Banned(ctx context.Context, ip string) (bool, error)
	// RecordBadSignature counts a signature mismatch and reports whether
	// this call tripped the ban threshold. This is the only path that can
	// set a ban; nothing clears one before it elapses.
	RecordBadSignature(ctx context.Context, ip string) (bool, error)
}

func (l Limits) limitFor(kind Kind) int {
	if kind == KindIssue {
		return l.IssueLimit
	}
	return l.VerifyLimit
}
