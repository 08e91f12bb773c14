package verify

import "github.com/webdecoy/humancheck/internal/risk"

// Error codes returned to the boundary layer. The core never maps these to
// transport statuses itself.
const (
	CodeMissingToken    = "MISSING_TOKEN"
	CodeBadTokenFormat  = "BAD_TOKEN_FORMAT"
	CodeIncompleteToken = "INCOMPLETE_TOKEN"
	CodeBadTokenSig     = "BAD_TOKEN_SIG"
	CodeLowScore        = "LOW_SCORE"
	CodeHighRisk        = "HIGH_RISK"
	CodeRateLimited     = "RATE_LIMITED"
	CodeClientTimeSkew  = "CLIENT_TIME_SKEW"
	CodeAbuseBanned     = "ABUSE_BANNED"
	CodeServerError     = "SERVER_ERROR"
)

// Reasons carried on CLIENT_TIME_SKEW results, naming which check failed.
const (
	ReasonNonceNotFound    = "nonce_not_found"
	ReasonNonceExpired     = "nonce_expired"
	ReasonNonceAlreadyUsed = "nonce_already_used"
	ReasonTimestampSkew    = "timestamp_skew"
)

// IssueResult is the outcome of one nonce issuance.
type IssueResult struct {
	Success      bool   `json:"success"`
	Nonce        string `json:"nonce,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"` // epoch ms of issuance
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // epoch ms
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

// VerifyResult is the outcome of one token verification. Timestamp is the
// server time of the decision and is always set.
type VerifyResult struct {
	Success      bool       `json:"success"`
	Score        float64    `json:"score,omitempty"`
	RiskScore    float64    `json:"riskScore,omitempty"`
	RiskLevel    risk.Level `json:"riskLevel,omitempty"`
	RiskReasons  []string   `json:"riskReasons,omitempty"`
	TokenOk      bool       `json:"tokenOk,omitempty"`
	NonceOk      bool       `json:"nonceOk,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Retryable    bool       `json:"retryable,omitempty"`
	Timestamp    int64      `json:"timestamp"`
}
