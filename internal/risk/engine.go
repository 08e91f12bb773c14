// Package risk inspects the telemetry payload independently of the client's
// self-reported score. Each triggered signal contributes a weighted amount;
// hard signals (honeypot traps) force a high-risk verdict on their own.
package risk

import (
	"fmt"
	"math"

	"github.com/webdecoy/humancheck/internal/token"
)

// Level classifies an assessment score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Score thresholds for the levels, and the floor a hard signal enforces.
const (
	mediumThreshold = 0.4
	highThreshold   = 0.7
	hardSignalFloor = 0.7
)

// Assessment is the engine's verdict on one payload.
type Assessment struct {
	Score   float64  `json:"riskScore"`
	Level   Level    `json:"riskLevel"`
	Reasons []string `json:"riskReasons,omitempty"`
}

// Engine evaluates payloads. Stateless; one instance serves all requests.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Soft signal weights.
const (
	weightWebdriver        = 0.35
	weightUAMismatch       = 0.30
	weightFastInteraction  = 0.30
	weightNoPointerEvents  = 0.25
	weightShortEntropy     = 0.15
	weightMissingTimezone  = 0.10
	minInteractionMillis   = 150.0
	minClientEntropyLength = 8
)

// Evaluate scores the payload's signals. issuedUserAgent is the user agent
// recorded when the nonce was issued; empty means no comparison is possible.
// The result is independent of SelfScore by design: a payload reporting a
// perfect self-score can still come back high-risk.
func (e *Engine) Evaluate(p token.Payload, issuedUserAgent string) Assessment {
	var score float64
	var reasons []string
	hard := false

	if getBool(p.Signals, "trapTriggered") {
		hard = true
		score += hardSignalFloor
		reasons = append(reasons, "honeypot trap triggered")
	}
	if getBool(p.Signals, "honeypotFilled") {
		hard = true
		score += hardSignalFloor
		reasons = append(reasons, "hidden honeypot field was filled")
	}

	if getBool(p.Signals, "webdriver") {
		score += weightWebdriver
		reasons = append(reasons, "client reports navigator.webdriver")
	}

	if d, ok := getNumber(p.Signals, "interactionDurationMs"); ok && d > 0 && d < minInteractionMillis {
		score += weightFastInteraction
		reasons = append(reasons, fmt.Sprintf("interaction completed impossibly fast (%.0fms)", d))
	}

	if n, ok := getNumber(p.Signals, "pointerEvents"); ok && n == 0 {
		score += weightNoPointerEvents
		reasons = append(reasons, "no pointer events during session")
	}

	if issuedUserAgent != "" && p.UserAgent != "" && p.UserAgent != issuedUserAgent {
		score += weightUAMismatch
		reasons = append(reasons, "user agent changed between issuance and verification")
	}

	if p.Timezone == "" {
		score += weightMissingTimezone
		reasons = append(reasons, "no timezone reported")
	}
	if len(p.ClientEntropy) < minClientEntropyLength {
		score += weightShortEntropy
		reasons = append(reasons, "client entropy missing or too short")
	}

	score = math.Min(1.0, score)
	if hard && score < hardSignalFloor {
		score = hardSignalFloor
	}

	level := LevelLow
	switch {
	case hard || score >= highThreshold:
		level = LevelHigh
	case score >= mediumThreshold:
		level = LevelMedium
	}

	return Assessment{Score: score, Level: level, Reasons: reasons}
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

func getNumber(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
