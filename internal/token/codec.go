// Package token decodes the opaque client token into its payload/salt/
// signature envelope and verifies the keyed digest. Decoding is structural
// only and the package is side-effect free; policy lives with the caller.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Version is the only payload version this codec understands. Anything else
// is rejected as incomplete rather than guessed at.
const Version = 1

var (
	ErrBadFormat  = errors.New("token is not base64-encoded JSON")
	ErrIncomplete = errors.New("token payload is missing required fields")
)

// Payload is the client-constructed telemetry report. Untrusted until the
// envelope signature has been verified.
type Payload struct {
	Version       int            `json:"version"`
	Timestamp     int64          `json:"timestamp"` // epoch millis, client clock
	Timezone      string         `json:"timezone"`
	UserAgent     string         `json:"userAgent"`
	ClientEntropy string         `json:"clientEntropy"`
	SelfScore     float64        `json:"selfScore"`
	Signals       map[string]any `json:"signals"`
	Nonce         string         `json:"nonce"`
}

// Envelope is the decoded token. Payload stays raw so the signature is
// computed over the exact bytes the client serialized, not a re-encoding.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Salt      string          `json:"salt"`
	Signature string          `json:"signature"`
}

// Decode parses a token string into its envelope and payload.
// Malformed base64 or JSON is ErrBadFormat; a structurally valid envelope
// whose payload is null, of the wrong shape, or missing required fields is
// ErrIncomplete.
func Decode(tok string) (Envelope, Payload, error) {
	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		return Envelope{}, Payload{}, ErrBadFormat
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Payload{}, ErrBadFormat
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" || env.Salt == "" || env.Signature == "" {
		return Envelope{}, Payload{}, ErrIncomplete
	}

	var p Payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return Envelope{}, Payload{}, ErrIncomplete
	}
	if p.Version != Version || p.Timestamp == 0 || p.Nonce == "" {
		return Envelope{}, Payload{}, ErrIncomplete
	}
	if p.SelfScore < 0 || p.SelfScore > 1 {
		return Envelope{}, Payload{}, ErrIncomplete
	}
	return env, p, nil
}

// Verify recomputes the envelope digest and compares it in constant time.
func Verify(env Envelope, secret string) bool {
	expected := Sign(env.Payload, env.Salt, secret)
	return hmac.Equal([]byte(env.Signature), []byte(expected))
}

// Sign computes the hex HMAC-SHA256 digest over payloadBytes || "." || salt.
func Sign(payload []byte, salt, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	h.Write([]byte("."))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// Encode builds a token string from a payload. The server never issues
// tokens itself; this is for clients of the package and the test suite.
func Encode(p Payload, salt, secret string) (string, error) {
	payloadBytes, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	env := Envelope{
		Payload:   payloadBytes,
		Salt:      salt,
		Signature: Sign(payloadBytes, salt, secret),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}
