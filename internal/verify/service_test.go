package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webdecoy/humancheck/internal/abuse"
	"github.com/webdecoy/humancheck/internal/nonce"
	"github.com/webdecoy/humancheck/internal/risk"
	"github.com/webdecoy/humancheck/internal/token"
)

const (
	testSecret    = "test-secret"
	testThreshold = 0.5
	testSkew      = 2 * time.Minute
	testTTL       = 5 * time.Minute
	testUA        = "Mozilla/5.0"
	clientA       = "203.0.113.7"
)

func newTestService(t *testing.T) (*Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	guard := abuse.NewMemoryGuard(mock, abuse.Limits{
		RateWindow:     time.Minute,
		IssueLimit:     10,
		VerifyLimit:    10,
		AbuseWindow:    10 * time.Minute,
		AbuseThreshold: 3,
		BanDuration:    30 * time.Minute,
	})
	authority := nonce.NewAuthority(nonce.NewMemoryStore(), mock, testTTL)

	svc := New(Options{
		Secret:         testSecret,
		ScoreThreshold: testThreshold,
		MaxClockSkew:   testSkew,
	}, authority, guard, risk.NewEngine(), mock, zap.NewNop())
	return svc, mock
}

func issue(t *testing.T, svc *Service, ip string) IssueResult {
	t.Helper()
	res := svc.IssueNonce(context.Background(), ip, testUA)
	require.True(t, res.Success, "issue failed: %s", res.ErrorCode)
	return res
}

type tokenOpts struct {
	selfScore float64
	timestamp int64
	signals   map[string]any
	userAgent string
	secret    string
}

func makeToken(t *testing.T, nonceValue string, mock *clock.Mock, opts tokenOpts) string {
	t.Helper()
	if opts.timestamp == 0 {
		opts.timestamp = mock.Now().UnixMilli()
	}
	if opts.userAgent == "" {
		opts.userAgent = testUA
	}
	if opts.secret == "" {
		opts.secret = testSecret
	}
	tok, err := token.Encode(token.Payload{
		Version:       token.Version,
		Timestamp:     opts.timestamp,
		Timezone:      "Europe/Berlin",
		UserAgent:     opts.userAgent,
		ClientEntropy: "0123456789abcdef",
		SelfScore:     opts.selfScore,
		Signals:       opts.signals,
		Nonce:         nonceValue,
	}, "somesalt", opts.secret)
	require.NoError(t, err)
	return tok
}

func TestIssueNonce(t *testing.T) {
	svc, mock := newTestService(t)

	res := issue(t, svc, clientA)
	assert.NotEmpty(t, res.Nonce)
	assert.Equal(t, mock.Now().UnixMilli(), res.Timestamp)
	assert.Equal(t, mock.Now().Add(testTTL).UnixMilli(), res.ExpiresAt)
}

func TestIssueNonceRateLimited(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		issue(t, svc, clientA)
	}
	res := svc.IssueNonce(ctx, clientA, testUA)
	assert.False(t, res.Success)
	assert.Equal(t, CodeRateLimited, res.ErrorCode)
	assert.True(t, res.Retryable)

	mock.Add(time.Minute + time.Millisecond)
	issue(t, svc, clientA)
}

func TestVerifySuccessAndReplay(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8})

	res := svc.VerifyToken(ctx, tok, clientA)
	require.True(t, res.Success, "verify failed: %s (%s)", res.ErrorCode, res.Reason)
	assert.Equal(t, 0.8, res.Score)
	assert.True(t, res.TokenOk)
	assert.True(t, res.NonceOk)
	assert.Equal(t, risk.LevelLow, res.RiskLevel)
	assert.Equal(t, mock.Now().UnixMilli(), res.Timestamp)

	// An identical second submission fails nonce lookup.
	replay := svc.VerifyToken(ctx, tok, clientA)
	assert.False(t, replay.Success)
	assert.Equal(t, CodeClientTimeSkew, replay.ErrorCode)
	assert.Equal(t, ReasonNonceAlreadyUsed, replay.Reason)
	assert.True(t, replay.Retryable)
}

func TestVerifyMissingToken(t *testing.T) {
	svc, _ := newTestService(t)

	res := svc.VerifyToken(context.Background(), "", clientA)
	assert.Equal(t, CodeMissingToken, res.ErrorCode)
	assert.False(t, res.Retryable)
}

func TestVerifyMalformedToken(t *testing.T) {
	svc, _ := newTestService(t)

	res := svc.VerifyToken(context.Background(), "!!!garbage!!!", clientA)
	assert.Equal(t, CodeBadTokenFormat, res.ErrorCode)
	assert.False(t, res.Retryable)
}

func TestVerifyIncompleteToken(t *testing.T) {
	svc, mock := newTestService(t)

	// Structurally valid envelope, but version 0 in the payload.
	tok, err := token.Encode(token.Payload{
		Timestamp: mock.Now().UnixMilli(),
		Nonce:     "abc",
	}, "salt", testSecret)
	require.NoError(t, err)

	res := svc.VerifyToken(context.Background(), tok, clientA)
	assert.Equal(t, CodeIncompleteToken, res.ErrorCode)
}

func TestVerifyBadSignatureLeavesNonceLive(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)

	bad := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8, secret: "wrong-secret"})
	res := svc.VerifyToken(ctx, bad, clientA)
	assert.Equal(t, CodeBadTokenSig, res.ErrorCode)

	// The failure happened before nonce lookup; a corrected token still works.
	good := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8})
	res = svc.VerifyToken(ctx, good, clientA)
	assert.True(t, res.Success)
}

func TestVerifyRateLimitedLeavesNonceLive(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8})

	for i := 0; i < 10; i++ {
		svc.VerifyToken(ctx, "!!!garbage!!!", clientA)
	}
	res := svc.VerifyToken(ctx, tok, clientA)
	assert.Equal(t, CodeRateLimited, res.ErrorCode)
	assert.True(t, res.Retryable)

	mock.Add(time.Minute + time.Millisecond)
	res = svc.VerifyToken(ctx, tok, clientA)
	assert.True(t, res.Success)
}

func TestVerifyExpiredNonce(t *testing.T) {
	svc, mock := newTestService(t)

	issued := issue(t, svc, clientA)
	mock.Add(testTTL + time.Millisecond)

	// Perfect signature, in-window timestamp: the stale nonce still loses.
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8})
	res := svc.VerifyToken(context.Background(), tok, clientA)
	assert.Equal(t, CodeClientTimeSkew, res.ErrorCode)
	assert.Equal(t, ReasonNonceExpired, res.Reason)
}

func TestVerifyUnknownNonce(t *testing.T) {
	svc, mock := newTestService(t)

	tok := makeToken(t, "deadbeefdeadbeef", mock, tokenOpts{selfScore: 0.8})
	res := svc.VerifyToken(context.Background(), tok, clientA)
	assert.Equal(t, CodeClientTimeSkew, res.ErrorCode)
	assert.Equal(t, ReasonNonceNotFound, res.Reason)
}

func TestVerifySkewBoundary(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	now := mock.Now().UnixMilli()
	skewMs := testSkew.Milliseconds()

	cases := []struct {
		name      string
		timestamp int64
		wantOK    bool
	}{
		{"exactly max skew behind", now - skewMs, true},
		{"exactly max skew ahead", now + skewMs, true},
		{"one ms past behind", now - skewMs - 1, false},
		{"one ms past ahead", now + skewMs + 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issued := issue(t, svc, clientA)
			tok := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8, timestamp: tc.timestamp})
			res := svc.VerifyToken(ctx, tok, clientA)
			if tc.wantOK {
				assert.True(t, res.Success)
			} else {
				assert.Equal(t, CodeClientTimeSkew, res.ErrorCode)
				assert.Equal(t, ReasonTimestampSkew, res.Reason)
				assert.True(t, res.Retryable)
			}
		})
	}
}

func TestVerifyScoreBoundary(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: testThreshold})
	res := svc.VerifyToken(ctx, tok, clientA)
	assert.True(t, res.Success, "score equal to the threshold passes")

	issued = issue(t, svc, clientA)
	tok = makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: testThreshold - 0.001})
	res = svc.VerifyToken(ctx, tok, clientA)
	assert.Equal(t, CodeLowScore, res.ErrorCode)
	assert.Equal(t, testThreshold-0.001, res.Score)
	assert.True(t, res.TokenOk)
	assert.True(t, res.NonceOk)
	assert.False(t, res.Retryable)
}

func TestLowScoreBurnsNonce(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)
	low := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.3})
	res := svc.VerifyToken(ctx, low, clientA)
	require.Equal(t, CodeLowScore, res.ErrorCode)

	// Consumption happened right after the signature check, so even a
	// corrected token cannot reuse the nonce.
	good := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.9})
	res = svc.VerifyToken(ctx, good, clientA)
	assert.Equal(t, CodeClientTimeSkew, res.ErrorCode)
	assert.Equal(t, ReasonNonceAlreadyUsed, res.Reason)
}

func TestVerifyHighRiskOverridesSelfScore(t *testing.T) {
	svc, mock := newTestService(t)

	issued := issue(t, svc, clientA)
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{
		selfScore: 0.9,
		signals:   map[string]any{"trapTriggered": true},
	})
	res := svc.VerifyToken(context.Background(), tok, clientA)
	assert.False(t, res.Success)
	assert.Equal(t, CodeHighRisk, res.ErrorCode)
	assert.Equal(t, risk.LevelHigh, res.RiskLevel)
	assert.GreaterOrEqual(t, res.RiskScore, 0.7)
	assert.NotEmpty(t, res.RiskReasons)
	assert.Equal(t, 0.9, res.Score)
}

func TestAbuseEscalationBansEverything(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)

	// Exactly the threshold of bad-signature submissions.
	for i := 0; i < 3; i++ {
		bad := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8, secret: "wrong-secret"})
		res := svc.VerifyToken(ctx, bad, clientA)
		require.Equal(t, CodeBadTokenSig, res.ErrorCode, "submission %d", i+1)
	}

	// The very next call from that IP short-circuits, regardless of content.
	good := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8})
	res := svc.VerifyToken(ctx, good, clientA)
	assert.Equal(t, CodeAbuseBanned, res.ErrorCode)

	issueRes := svc.IssueNonce(ctx, clientA, testUA)
	assert.Equal(t, CodeAbuseBanned, issueRes.ErrorCode)

	// Another IP is unaffected.
	other := issue(t, svc, "198.51.100.9")
	otherTok := makeToken(t, other.Nonce, mock, tokenOpts{selfScore: 0.8})
	assert.True(t, svc.VerifyToken(ctx, otherTok, "198.51.100.9").Success)

	// The ban is not shortened by anything; after it elapses, processing
	// resumes and the nonce issued before the ban is long expired.
	mock.Add(30*time.Minute - time.Millisecond)
	res = svc.VerifyToken(ctx, good, clientA)
	assert.Equal(t, CodeAbuseBanned, res.ErrorCode)

	mock.Add(time.Millisecond)
	fresh := issue(t, svc, clientA)
	freshTok := makeToken(t, fresh.Nonce, mock, tokenOpts{selfScore: 0.8})
	assert.True(t, svc.VerifyToken(ctx, freshTok, clientA).Success)
}

func TestUserAgentMismatchRaisesRisk(t *testing.T) {
	svc, mock := newTestService(t)

	issued := issue(t, svc, clientA)
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{
		selfScore: 0.8,
		userAgent: "curl/8.0",
		signals:   map[string]any{"webdriver": true},
	})
	res := svc.VerifyToken(context.Background(), tok, clientA)
	// 0.30 mismatch + 0.35 webdriver lands in medium: allowed, but visible.
	assert.True(t, res.Success)
	assert.Equal(t, risk.LevelMedium, res.RiskLevel)
	assert.NotEmpty(t, res.RiskReasons)
}

func TestStats(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	issued := issue(t, svc, clientA)
	tok := makeToken(t, issued.Nonce, mock, tokenOpts{selfScore: 0.8})
	require.True(t, svc.VerifyToken(ctx, tok, clientA).Success)
	issue(t, svc, clientA)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Consumed)
	assert.Equal(t, int64(1), stats.Active)
}

type failingStore struct{}

func (failingStore) Save(context.Context, nonce.Record) error { return errors.New("store down") }
func (failingStore) Consume(context.Context, string, time.Time) (nonce.ConsumeStatus, nonce.Record, error) {
	return nonce.ConsumeNotFound, nonce.Record{}, errors.New("store down")
}
func (failingStore) Sweep(context.Context, time.Time) (int, error) { return 0, errors.New("store down") }
func (failingStore) Stats(context.Context, time.Time) (nonce.Stats, error) {
	return nonce.Stats{}, errors.New("store down")
}

func TestIssueServerError(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	guard := abuse.NewMemoryGuard(mock, abuse.Limits{
		RateWindow: time.Minute, IssueLimit: 10, VerifyLimit: 10,
		AbuseWindow: 10 * time.Minute, AbuseThreshold: 3, BanDuration: 30 * time.Minute,
	})
	authority := nonce.NewAuthority(failingStore{}, mock, testTTL)
	svc := New(Options{Secret: testSecret, ScoreThreshold: testThreshold, MaxClockSkew: testSkew},
		authority, guard, risk.NewEngine(), mock, zap.NewNop())

	res := svc.IssueNonce(context.Background(), clientA, testUA)
	assert.False(t, res.Success)
	assert.Equal(t, CodeServerError, res.ErrorCode)
	assert.True(t, res.Retryable)
}
