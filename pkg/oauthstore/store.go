// Package oauthstore implements the OAuth credential file store (spec
// §4.6/§6): a JSON array of credentials at a configurable path, written
// atomically with owner-only permissions, tolerating a missing file as
// empty.
package oauthstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/oauth"
)

// DefaultPath is the credential file location named in spec §6.
const DefaultPath = ".gemini-flow/mcp-oauth-tokens.json"

// Credential persists one server's OAuth state, per spec §3
// OAuthCredential.
type Credential struct {
	ServerName   string      `json:"serverName"`
	Token        oauth.Token `json:"token"`
	ClientID     string      `json:"clientId,omitempty"`
	TokenURL     string      `json:"tokenUrl,omitempty"`
	MCPServerURL string      `json:"mcpServerUrl,omitempty"`
	UpdatedAtMs  int64       `json:"updatedAtMs"`
}

// Store is a single-writer-per-process JSON file of credentials, guarded
// by a file lock so that concurrent processes sharing the same path don't
// interleave writes (spec §5 "single-writer per process").
type Store struct {
	path string
	lock *flock.Flock
}

// New creates a Store rooted at path. Use DefaultPath resolved against the
// user's home directory when the caller has no override.
func New(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// DefaultStorePath resolves DefaultPath under the user's home directory.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", mcperrors.New(mcperrors.KindIOError, "resolving home directory", err)
	}
	return filepath.Join(home, DefaultPath), nil
}

// GetAll loads every stored credential, tolerating a missing file as
// empty, per spec §4.6.
func (s *Store) GetAll() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindIOError, fmt.Sprintf("reading %s", s.path), err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, mcperrors.New(mcperrors.KindIOError, "decoding credential file", err)
	}
	return creds, nil
}

// Get returns the stored credential for serverName, if any.
func (s *Store) Get(serverName string) (*Credential, bool, error) {
	creds, err := s.GetAll()
	if err != nil {
		return nil, false, err
	}
	for i := range creds {
		if creds[i].ServerName == serverName {
			return &creds[i], true, nil
		}
	}
	return nil, false, nil
}

// Save upserts serverName's credential and persists the whole file
// atomically with 0600 permissions, per spec §4.6/§5.
func (s *Store) Save(cred Credential) error {
	if err := s.lock.Lock(); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "acquiring credential store lock", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	creds, err := s.GetAll()
	if err != nil {
		return err
	}

	replaced := false
	for i := range creds {
		if creds[i].ServerName == cred.ServerName {
			creds[i] = cred
			replaced = true
			break
		}
	}
	if !replaced {
		creds = append(creds, cred)
	}

	return s.writeAll(creds)
}

// Delete removes serverName's credential, deleting the file entirely once
// it would otherwise be empty, per spec §4.6.
func (s *Store) Delete(serverName string) error {
	if err := s.lock.Lock(); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "acquiring credential store lock", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	creds, err := s.GetAll()
	if err != nil {
		return err
	}

	out := creds[:0]
	for _, c := range creds {
		if c.ServerName != serverName {
			out = append(out, c)
		}
	}

	if len(out) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return mcperrors.New(mcperrors.KindIOError, fmt.Sprintf("removing %s", s.path), err)
		}
		return nil
	}
	return s.writeAll(out)
}

// ClearAll removes the credential file entirely.
func (s *Store) ClearAll() error {
	if err := s.lock.Lock(); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "acquiring credential store lock", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return mcperrors.New(mcperrors.KindIOError, fmt.Sprintf("removing %s", s.path), err)
	}
	return nil
}

// writeAll replaces the file contents atomically: write to a sibling temp
// file, then rename over the target, per spec §5 "writes are whole-file
// replacements".
func (s *Store) writeAll(creds []Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "creating credential directory", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return mcperrors.New(mcperrors.KindIOError, "encoding credential file", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "writing credential file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "replacing credential file", err)
	}
	return nil
}
