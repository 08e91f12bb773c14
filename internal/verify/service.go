// Package verify orchestrates the verification core: nonce issuance and
// token verification over the nonce authority, abuse guard, token codec and
// risk engine. Every failure comes back as a structured result; nothing
// escapes the core boundary except internal store faults, which are folded
// into SERVER_ERROR results.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/webdecoy/humancheck/internal/abuse"
	"github.com/webdecoy/humancheck/internal/nonce"
	"github.com/webdecoy/humancheck/internal/risk"
	"github.com/webdecoy/humancheck/internal/token"
)

// Options are the policy knobs the service reads. Fixed after construction.
type Options struct {
	Secret         string
	ScoreThreshold float64
	MaxClockSkew   time.Duration
}

// Service exposes the two operations the boundary layer calls.
type Service struct {
	opts   Options
	nonces *nonce.Authority
	guard  abuse.Guard
	engine *risk.Engine
	clock  clock.Clock
	log    *zap.Logger
}

func New(opts Options, nonces *nonce.Authority, guard abuse.Guard, engine *risk.Engine, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		opts:   opts,
		nonces: nonces,
		guard:  guard,
		engine: engine,
		clock:  clk,
		log:    log,
	}
}

// IssueNonce hands out a fresh single-use nonce. Banned and rate-limited
// callers are rejected before the nonce table is touched.
func (s *Service) IssueNonce(ctx context.Context, ip, userAgent string) IssueResult {
	banned, err := s.guard.Banned(ctx, ip)
	if err != nil {
		return s.issueError(CodeServerError, "abuse check failed", err)
	}
	if banned {
		return IssueResult{
			ErrorCode:    CodeAbuseBanned,
			ErrorMessage: "temporarily banned after repeated invalid submissions",
		}
	}

	allowed, err := s.guard.Allow(ctx, ip, abuse.KindIssue)
	if err != nil {
		return s.issueError(CodeServerError, "rate check failed", err)
	}
	if !allowed {
		return IssueResult{
			ErrorCode:    CodeRateLimited,
			ErrorMessage: "too many nonce requests, retry after the window",
			Retryable:    true,
		}
	}

	rec, err := s.nonces.Issue(ctx, ip, userAgent)
	if err != nil {
		return s.issueError(CodeServerError, "nonce issuance failed", err)
	}

	return IssueResult{
		Success:   true,
		Nonce:     rec.Value,
		Timestamp: rec.IssuedAt.UnixMilli(),
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
	}
}

// VerifyToken runs the ordered check chain. Each failing check is terminal;
// the nonce is consumed immediately after the signature verifies, so score
// and risk failures still burn it.
func (s *Service) VerifyToken(ctx context.Context, tok, ip string) VerifyResult {
	now := s.clock.Now()

	if tok == "" {
		return s.fail(now, CodeMissingToken, "no token submitted", false)
	}

	banned, err := s.guard.Banned(ctx, ip)
	if err != nil {
		return s.verifyError(now, "abuse check failed", err)
	}
	if banned {
		return s.fail(now, CodeAbuseBanned, "temporarily banned after repeated invalid submissions", false)
	}

	allowed, err := s.guard.Allow(ctx, ip, abuse.KindVerify)
	if err != nil {
		return s.verifyError(now, "rate check failed", err)
	}
	if !allowed {
		return s.fail(now, CodeRateLimited, "too many verification requests, retry after the window", true)
	}

	env, payload, err := token.Decode(tok)
	if errors.Is(err, token.ErrBadFormat) {
		return s.fail(now, CodeBadTokenFormat, "token is not valid base64-encoded JSON", false)
	}
	if err != nil {
		return s.fail(now, CodeIncompleteToken, "token payload is missing required fields", false)
	}

	if !token.Verify(env, s.opts.Secret) {
		tripped, gerr := s.guard.RecordBadSignature(ctx, ip)
		if gerr != nil {
			s.log.Error("recording bad signature failed", zap.String("ip", ip), zap.Error(gerr))
		}
		if tripped {
			s.log.Warn("abuse threshold reached, ip banned", zap.String("ip", ip))
		}
		return s.fail(now, CodeBadTokenSig, "token signature does not match", false)
	}

	status, rec, err := s.nonces.Consume(ctx, payload.Nonce)
	if err != nil {
		return s.verifyError(now, "nonce lookup failed", err)
	}
	switch status {
	case nonce.ConsumeOK:
	case nonce.ConsumeExpired:
		return s.skewFail(now, ReasonNonceExpired, "nonce has expired, request a fresh one")
	case nonce.ConsumeAlreadyUsed:
		return s.skewFail(now, ReasonNonceAlreadyUsed, "nonce was already used, request a fresh one")
	default:
		return s.skewFail(now, ReasonNonceNotFound, "nonce is unknown, request a fresh one")
	}

	if skew := absMillis(now.UnixMilli() - payload.Timestamp); skew > s.opts.MaxClockSkew.Milliseconds() {
		return s.skewFail(now, ReasonTimestampSkew, "client clock is out of sync, resynchronize and retry")
	}

	if payload.SelfScore < s.opts.ScoreThreshold {
		r := s.fail(now, CodeLowScore, fmt.Sprintf("behavioral score %.3f below threshold", payload.SelfScore), false)
		r.Score = payload.SelfScore
		r.TokenOk = true
		r.NonceOk = true
		return r
	}

	assessment := s.engine.Evaluate(payload, rec.UserAgent)
	if assessment.Level == risk.LevelHigh {
		r := s.fail(now, CodeHighRisk, "risk signals indicate automation", false)
		r.Score = payload.SelfScore
		r.RiskScore = assessment.Score
		r.RiskLevel = assessment.Level
		r.RiskReasons = assessment.Reasons
		r.TokenOk = true
		r.NonceOk = true
		return r
	}

	return VerifyResult{
		Success:     true,
		Score:       payload.SelfScore,
		RiskScore:   assessment.Score,
		RiskLevel:   assessment.Level,
		RiskReasons: assessment.Reasons,
		TokenOk:     true,
		NonceOk:     true,
		Timestamp:   now.UnixMilli(),
	}
}

// Stats reports the nonce table counters. Observability only.
func (s *Service) Stats(ctx context.Context) (nonce.Stats, error) {
	return s.nonces.Stats(ctx)
}

func (s *Service) fail(now time.Time, code, msg string, retryable bool) VerifyResult {
	return VerifyResult{
		ErrorCode:    code,
		ErrorMessage: msg,
		Retryable:    retryable,
		Timestamp:    now.UnixMilli(),
	}
}

func (s *Service) skewFail(now time.Time, reason, msg string) VerifyResult {
	r := s.fail(now, CodeClientTimeSkew, msg, true)
	r.Reason = reason
	return r
}

func (s *Service) verifyError(now time.Time, msg string, err error) VerifyResult {
	s.log.Error(msg, zap.Error(err))
	return s.fail(now, CodeServerError, msg, true)
}

func (s *Service) issueError(code, msg string, err error) IssueResult {
	s.log.Error(msg, zap.Error(err))
	return IssueResult{
		ErrorCode:    code,
		ErrorMessage: msg,
		Retryable:    true,
	}
}

func absMillis(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
