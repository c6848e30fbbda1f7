package a2a

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

// AlgorithmHMACSHA256 is the primary signature algorithm tag, per spec
// §4.7. A distinct algorithm tag (e.g. an Ed25519 variant) may coexist
// using the same canonicalization; this package implements the HMAC
// variant only.
const AlgorithmHMACSHA256 = "hmac-sha256"

// keyidSalt is the fixed salt used to derive a secret's public keyId, per
// spec §3: "HMAC-SHA256(\"keyid-salt\", secret) truncated to 16 hex chars".
const keyidSalt = "keyid-salt"

// DefaultMaxAge and DefaultSkew bound the signature timestamp window, per
// spec §4.7 gates 1-2.
const (
	DefaultMaxAge = 5 * time.Minute
	DefaultSkew   = 60 * time.Second
)

// Signature is the wire-form signature block attached to a SignedMessage.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// SignedMessage augments Message with its signature and the exact
// canonical payload that was signed, per spec §6.
type SignedMessage struct {
	Message
	Signature     Signature `json:"signature"`
	SignedPayload string    `json:"signedPayload"`
}

// DeriveKeyID computes the public key identifier for secret, per spec §3.
func DeriveKeyID(secret []byte) string {
	mac := hmac.New(sha256.New, []byte(keyidSalt))
	mac.Write(secret)
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// nowFn is overridable in tests to pin the clock.
var nowFn = time.Now

// Sign produces a SignedMessage for m using secret, per spec §4.7.
func Sign(m Message, secret []byte) (*SignedMessage, error) {
	canonical, err := Canonicalize(m)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindMalformed, "canonicalizing message", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, mcperrors.New(mcperrors.KindMalformed, "generating nonce", err)
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)
	timestamp := nowFn().UnixMilli()

	mac := hmacOver(canonical, timestamp, nonceB64, secret)

	return &SignedMessage{
		Message: m,
		Signature: Signature{
			Algorithm: AlgorithmHMACSHA256,
			KeyID:     DeriveKeyID(secret),
			Signature: hex.EncodeToString(mac),
			Timestamp: timestamp,
			Nonce:     nonceB64,
		},
		SignedPayload: canonical,
	}, nil
}

// hmacOver computes HMAC-SHA256(secret, JSON.stringify({payload, timestamp,
// nonce})), reproducing the exact envelope spec §4.7 signs over.
func hmacOver(canonicalPayload string, timestamp int64, nonce string, secret []byte) []byte {
	envelope, _ := json.Marshal(struct {
		Payload   string `json:"payload"`
		Timestamp int64  `json:"timestamp"`
		Nonce     string `json:"nonce"`
	}{canonicalPayload, timestamp, nonce})

	mac := hmac.New(sha256.New, secret)
	mac.Write(envelope)
	return mac.Sum(nil)
}

// VerifyResult is the outcome of a Verify call.
type VerifyResult struct {
	Valid   bool
	Error   string
	Details string
}

func invalid(reason, details string) VerifyResult {
	return VerifyResult{Valid: false, Error: reason, Details: details}
}

// SecretLookup resolves the registered secret for an agent id, reporting
// whether one is currently registered (revoked secrets are not returned
// here; gate 5 checks revocation separately via the RevokedLookup).
type SecretLookup func(agentID string) (secret []byte, ok bool)

// RevokedLookup reports whether keyID has been revoked for agentID.
type RevokedLookup func(agentID, keyID string) bool

// Verify runs the seven ordered gates from spec §4.7 against sm, which
// purports to be from sm.From.
func Verify(sm *SignedMessage, secrets SecretLookup, revoked RevokedLookup, maxAge, skew time.Duration) VerifyResult {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if skew <= 0 {
		skew = DefaultSkew
	}

	now := nowFn().UnixMilli()
	ts := sm.Signature.Timestamp

	// Gate 1: age check.
	if now-ts > maxAge.Milliseconds() {
		return invalid("SignatureExpired", fmt.Sprintf("timestamp %d older than maxAge %s", ts, maxAge))
	}
	// Gate 2: future check.
	if ts > now+skew.Milliseconds() {
		return invalid("SignatureInFuture", fmt.Sprintf("timestamp %d beyond skew %s", ts, skew))
	}

	// Gate 3: key lookup.
	secret, ok := secrets(sm.From)
	if !ok {
		return invalid("NoKey", fmt.Sprintf("no registered secret for agent %q", sm.From))
	}

	// Gate 4: key id match.
	expectedKeyID := DeriveKeyID(secret)
	if subtle.ConstantTimeCompare([]byte(expectedKeyID), []byte(sm.Signature.KeyID)) != 1 {
		return invalid("KeyIdMismatch", "signature keyId does not match registered secret")
	}

	// Gate 5: revocation check.
	if revoked != nil && revoked(sm.From, sm.Signature.KeyID) {
		return invalid("KeyRevoked", fmt.Sprintf("key %q has been revoked", sm.Signature.KeyID))
	}

	// Gate 6: MAC equality via constant-time comparison.
	expectedMAC := hmacOver(sm.SignedPayload, sm.Signature.Timestamp, sm.Signature.Nonce, secret)
	gotMAC, err := hex.DecodeString(sm.Signature.Signature)
	if err != nil || len(gotMAC) != len(expectedMAC) || subtle.ConstantTimeCompare(expectedMAC, gotMAC) != 1 {
		return invalid("SignatureInvalid", "mac does not match")
	}

	// Gate 7: integrity -- re-canonicalize and compare to signedPayload.
	recomputed, err := Canonicalize(sm.Message)
	if err != nil {
		return invalid("Malformed", "could not re-canonicalize message")
	}
	if recomputed != sm.SignedPayload {
		return invalid("MessageModified", "message does not match signedPayload")
	}

	return VerifyResult{Valid: true}
}
