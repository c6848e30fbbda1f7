package a2a

import (
	"encoding/json"
	"testing"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeysAndPreservesArrayOrder(t *testing.T) {
	t.Parallel()
	m := Message{
		From:      "agent-a",
		To:        "agent-b",
		Timestamp: 1000,
		Method:    "ping",
		Params:    json.RawMessage(`{"b":1,"a":[3,1,2]}`),
	}
	out, err := Canonicalize(m)
	require.NoError(t, err)
	assert.Equal(t, `{"from":"agent-a","id":null,"method":"ping","params":{"a":[3,1,2],"b":1},"timestamp":1000,"to":"agent-b","type":"request"}`, out)
}

func TestCanonicalize_Deterministic(t *testing.T) {
	t.Parallel()
	m := Message{From: "a", To: "b", Timestamp: 5, Method: "x"}
	out1, err1 := Canonicalize(m)
	out2, err2 := Canonicalize(m)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, out1, out2)
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	secret := []byte("super-secret")
	m := Message{From: "agent-a", To: "agent-b", Timestamp: time.Now().UnixMilli(), Method: "do-thing"}

	sm, err := Sign(m, secret)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmHMACSHA256, sm.Signature.Algorithm)

	result := Verify(sm, func(string) ([]byte, bool) { return secret, true }, nil, DefaultMaxAge, DefaultSkew)
	assert.True(t, result.Valid)
}

func TestVerify_ExpiredSignatureFails(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")
	restore := pinNow(time.Now().Add(-10 * time.Minute))
	defer restore()

	m := Message{From: "a", To: "b", Timestamp: time.Now().UnixMilli(), Method: "x"}
	sm, err := Sign(m, secret)
	require.NoError(t, err)
	restore()

	result := Verify(sm, func(string) ([]byte, bool) { return secret, true }, nil, DefaultMaxAge, DefaultSkew)
	assert.False(t, result.Valid)
	assert.Equal(t, "SignatureExpired", result.Error)
}

func TestVerify_FutureSignatureFails(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")
	restore := pinNow(time.Now().Add(10 * time.Minute))
	m := Message{From: "a", To: "b", Timestamp: time.Now().UnixMilli(), Method: "x"}
	sm, err := Sign(m, secret)
	require.NoError(t, err)
	restore()

	result := Verify(sm, func(string) ([]byte, bool) { return secret, true }, nil, DefaultMaxAge, DefaultSkew)
	assert.False(t, result.Valid)
	assert.Equal(t, "SignatureInFuture", result.Error)
}

func TestVerify_NoKeyFails(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")
	m := Message{From: "a", To: "b", Timestamp: time.Now().UnixMilli(), Method: "x"}
	sm, err := Sign(m, secret)
	require.NoError(t, err)

	result := Verify(sm, func(string) ([]byte, bool) { return nil, false }, nil, DefaultMaxAge, DefaultSkew)
	assert.False(t, result.Valid)
	assert.Equal(t, "NoKey", result.Error)
}

func TestVerify_KeyIDMismatchFails(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")
	m := Message{From: "a", To: "b", Timestamp: time.Now().UnixMilli(), Method: "x"}
	sm, err := Sign(m, secret)
	require.NoError(t, err)

	wrongSecret := []byte("wrong-secret")
	result := Verify(sm, func(string) ([]byte, bool) { return wrongSecret, true }, nil, DefaultMaxAge, DefaultSkew)
	assert.False(t, result.Valid)
	assert.Equal(t, "KeyIdMismatch", result.Error)
}

func TestVerify_RevokedKeyFails(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")
	m := Message{From: "a", To: "b", Timestamp: time.Now().UnixMilli(), Method: "x"}
	sm, err := Sign(m, secret)
	require.NoError(t, err)

	result := Verify(sm, func(string) ([]byte, bool) { return secret, true }, func(string, string) bool { return true }, DefaultMaxAge, DefaultSkew)
	assert.False(t, result.Valid)
	assert.Equal(t, "KeyRevoked", result.Error)
}

func TestVerify_ModifiedMessageFails(t *testing.T) {
	t.Parallel()
	secret := []byte("secret")
	m := Message{From: "a", To: "b", Timestamp: time.Now().UnixMilli(), Method: "x"}
	sm, err := Sign(m, secret)
	require.NoError(t, err)

	sm.Method = "tampered"
	result := Verify(sm, func(string) ([]byte, bool) { return secret, true }, nil, DefaultMaxAge, DefaultSkew)
	assert.False(t, result.Valid)
	assert.Equal(t, "MessageModified", result.Error)
}

func TestKeyRegistry_RegisterRotateRevoke(t *testing.T) {
	t.Parallel()
	r := NewKeyRegistry()
	secretA := []byte("secret-a")

	require.NoError(t, r.Register("agent-1", secretA))
	assert.True(t, r.IsValid("agent-1", secretA))

	secretB := []byte("secret-b")
	require.NoError(t, r.Rotate("agent-1", secretB))

	old, ok := r.SecretFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, secretB, old)

	revoked := r.GetRevoked("agent-1")
	require.Len(t, revoked, 1)
	assert.Equal(t, "Key rotation", revoked[0].Reason)
}

func TestKeyRegistry_CannotReregisterRevokedKey(t *testing.T) {
	t.Parallel()
	r := NewKeyRegistry()
	secret := []byte("secret")
	require.NoError(t, r.Register("agent-1", secret))
	require.NoError(t, r.Revoke("agent-1", DeriveKeyID(secret), "compromised"))

	err := r.Register("agent-1", secret)
	assert.Error(t, err)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindKeyRevoked))
}

func TestKeyRegistry_RevokeWrongKeyIDFails(t *testing.T) {
	t.Parallel()
	r := NewKeyRegistry()
	secret := []byte("secret")
	require.NoError(t, r.Register("agent-1", secret))

	err := r.Revoke("agent-1", "deadbeefdeadbeef", "nope")
	assert.Error(t, err)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindKeyIDMismatch))
}

func TestKeyRegistry_RevokeTwiceFails(t *testing.T) {
	t.Parallel()
	r := NewKeyRegistry()
	secret := []byte("secret")
	require.NoError(t, r.Register("agent-1", secret))
	keyID := DeriveKeyID(secret)
	require.NoError(t, r.Revoke("agent-1", keyID, "first"))

	err := r.Revoke("agent-1", keyID, "second")
	assert.Error(t, err)
}

func TestKeyRegistry_Stats(t *testing.T) {
	t.Parallel()
	r := NewKeyRegistry()
	require.NoError(t, r.Register("agent-1", []byte("s1")))
	require.NoError(t, r.Register("agent-2", []byte("s2")))
	require.NoError(t, r.Revoke("agent-2", DeriveKeyID([]byte("s2")), "bye"))

	stats := r.Stats()
	assert.Equal(t, 1, stats.Registered)
	assert.Equal(t, 1, stats.Revoked)
	assert.Equal(t, 1, stats.AgentsWithRevoked)
}

// pinNow overrides the package clock for the duration of a test and
// returns a restore function.
func pinNow(t time.Time) func() {
	original := nowFn
	nowFn = func() time.Time { return t }
	return func() { nowFn = original }
}
