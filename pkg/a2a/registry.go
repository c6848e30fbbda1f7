package a2a

import (
	"fmt"
	"sync"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

// KeyMeta is the registration metadata attached to a live secret, per spec
// §3 AgentKeyEntry.
type KeyMeta struct {
	RegisteredAtMs int64
	KeyID          string
	Algorithm      string
}

// RevokedKey records a retired key, per spec §3.
type RevokedKey struct {
	KeyID      string
	RevokedAtMs int64
	Reason     string
}

type agentState struct {
	secret  []byte
	meta    KeyMeta
	revoked []RevokedKey
}

// Stats summarizes the registry, per spec §4.7.
type Stats struct {
	Registered      int
	Revoked         int
	AgentsWithRevoked int
}

// KeyRegistry holds the live secret (at most one per agent) and the full
// revocation history for every agent it has ever registered.
type KeyRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agentState
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{agents: make(map[string]*agentState)}
}

// Register adds secret as agentID's current key. Registration is rejected
// if the derived keyId appears in that agent's revoked list, per spec
// §4.7.
func (r *KeyRegistry) Register(agentID string, secret []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keyID := DeriveKeyID(secret)
	state, ok := r.agents[agentID]
	if ok {
		for _, rk := range state.revoked {
			if rk.KeyID == keyID {
				return mcperrors.New(mcperrors.KindKeyRevoked,
					fmt.Sprintf("key %q was previously revoked for agent %q", keyID, agentID), nil)
			}
		}
	} else {
		state = &agentState{}
		r.agents[agentID] = state
	}

	state.secret = secret
	state.meta = KeyMeta{RegisteredAtMs: time.Now().UnixMilli(), KeyID: keyID, Algorithm: AlgorithmHMACSHA256}
	return nil
}

// Rotate atomically revokes the current secret (reason "Key rotation")
// then registers newSecret, per spec §4.7.
func (r *KeyRegistry) Rotate(agentID string, newSecret []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[agentID]
	if ok && state.secret != nil {
		keyID := state.meta.KeyID
		state.revoked = append(state.revoked, RevokedKey{KeyID: keyID, RevokedAtMs: time.Now().UnixMilli(), Reason: "Key rotation"})
		state.secret = nil
	}
	if !ok {
		state = &agentState{}
		r.agents[agentID] = state
	}

	newKeyID := DeriveKeyID(newSecret)
	for _, rk := range state.revoked {
		if rk.KeyID == newKeyID {
			return mcperrors.New(mcperrors.KindKeyRevoked,
				fmt.Sprintf("key %q was previously revoked for agent %q", newKeyID, agentID), nil)
		}
	}
	state.secret = newSecret
	state.meta = KeyMeta{RegisteredAtMs: time.Now().UnixMilli(), KeyID: newKeyID, Algorithm: AlgorithmHMACSHA256}
	return nil
}

// Revoke moves agentID's current key to the revoked list. It fails if
// there is no current key, or if keyID doesn't match it; the same keyId
// can never be revoked twice, per spec §4.7.
func (r *KeyRegistry) Revoke(agentID, keyID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.agents[agentID]
	if !ok || state.secret == nil {
		return mcperrors.New(mcperrors.KindNoKey, fmt.Sprintf("agent %q has no current key", agentID), nil)
	}
	if state.meta.KeyID != keyID {
		return mcperrors.New(mcperrors.KindKeyIDMismatch,
			fmt.Sprintf("keyId %q does not match current key for agent %q", keyID, agentID), nil)
	}

	state.revoked = append(state.revoked, RevokedKey{KeyID: keyID, RevokedAtMs: time.Now().UnixMilli(), Reason: reason})
	state.secret = nil
	return nil
}

// IsValid reports whether keyIDOrSecret's derived keyId has not been
// revoked for agentID. A raw secret is hashed to a keyId first.
func (r *KeyRegistry) IsValid(agentID string, keyIDOrSecret []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keyID := string(keyIDOrSecret)
	if len(keyIDOrSecret) != 16 {
		keyID = DeriveKeyID(keyIDOrSecret)
	}

	state, ok := r.agents[agentID]
	if !ok {
		return true
	}
	for _, rk := range state.revoked {
		if rk.KeyID == keyID {
			return false
		}
	}
	return true
}

// GetRevoked returns agentID's revocation history.
func (r *KeyRegistry) GetRevoked(agentID string) []RevokedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]RevokedKey, len(state.revoked))
	copy(out, state.revoked)
	return out
}

// ListAgents returns every agent id the registry has ever seen.
func (r *KeyRegistry) ListAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// Stats summarizes registration counts across all agents.
func (r *KeyRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, state := range r.agents {
		if state.secret != nil {
			s.Registered++
		}
		s.Revoked += len(state.revoked)
		if len(state.revoked) > 0 {
			s.AgentsWithRevoked++
		}
	}
	return s
}

// SecretFor implements SecretLookup against this registry's live keys.
func (r *KeyRegistry) SecretFor(agentID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[agentID]
	if !ok || state.secret == nil {
		return nil, false
	}
	return state.secret, true
}

// IsRevoked implements RevokedLookup against this registry.
func (r *KeyRegistry) IsRevoked(agentID, keyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[agentID]
	if !ok {
		return false
	}
	for _, rk := range state.revoked {
		if rk.KeyID == keyID {
			return true
		}
	}
	return false
}
