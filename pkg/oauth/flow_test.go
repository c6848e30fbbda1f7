// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEParams(t *testing.T) {
	t.Parallel()
	p, err := GeneratePKCEParams()
	require.NoError(t, err)
	assert.NotEmpty(t, p.CodeVerifier)
	assert.NotEmpty(t, p.CodeChallenge)
	assert.NotEqual(t, p.CodeVerifier, p.CodeChallenge)
}

func TestGenerateState_Unique(t *testing.T) {
	t.Parallel()
	s1, err := GenerateState()
	require.NoError(t, err)
	s2, err := GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func TestNewConfig_RequiresClientID(t *testing.T) {
	t.Parallel()
	_, err := NewConfig("", "secret", "https://auth", "https://token", nil, "", nil)
	assert.Error(t, err)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindMissingConfig))
}

func TestIsExpired(t *testing.T) {
	t.Parallel()
	assert.False(t, IsExpired(Token{}))
	assert.True(t, IsExpired(Token{ExpiresAtMs: time.Now().Add(time.Minute).UnixMilli()}))
	assert.False(t, IsExpired(Token{ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}))
}

func TestAuthenticate_FullFlow(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-456"}`))
	}))
	defer tokenSrv.Close()

	cfg, err := NewConfig("client-1", "", "https://example.com/authorize", tokenSrv.URL, []string{"read"}, "", nil)
	require.NoError(t, err)
	cfg.CallbackPort = 37771

	var capturedAuthURL string
	opened := make(chan struct{})
	openBrowser := func(u string) {
		capturedAuthURL = u
		close(opened)
		go func() {
			parsed, _ := url.Parse(u)
			state := parsed.Query().Get("state")
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?code=auth-code-1&state=%s", cfg.CallbackPort, CallbackPath, state))
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}

	tok, err := Authenticate(context.Background(), cfg, openBrowser)
	require.NoError(t, err)
	assert.Equal(t, "at-123", tok.AccessToken)
	assert.Equal(t, "rt-456", tok.RefreshToken)
	assert.NotZero(t, tok.ExpiresAtMs)

	<-opened
	assert.Contains(t, capturedAuthURL, "code_challenge=")
	assert.Contains(t, capturedAuthURL, "response_type=code")
}

func TestAuthenticate_DeniedByUser(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig("client-1", "", "https://example.com/authorize", "https://example.com/token", nil, "", nil)
	require.NoError(t, err)
	cfg.CallbackPort = 37772

	openBrowser := func(u string) {
		go func() {
			parsed, _ := url.Parse(u)
			state := parsed.Query().Get("state")
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?error=access_denied&error_description=nope&state=%s", cfg.CallbackPort, CallbackPath, state))
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}

	_, err = Authenticate(context.Background(), cfg, openBrowser)
	require.Error(t, err)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindAuthorizationDenied))
}

func TestAuthenticate_StateMismatch(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig("client-1", "", "https://example.com/authorize", "https://example.com/token", nil, "", nil)
	require.NoError(t, err)
	cfg.CallbackPort = 37773

	openBrowser := func(string) {
		go func() {
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?code=abc&state=wrong-state", cfg.CallbackPort, CallbackPath))
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}

	_, err = Authenticate(context.Background(), cfg, openBrowser)
	require.Error(t, err)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindInvalidCallback))
}

func TestRefreshAccessToken(t *testing.T) {
	t.Parallel()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	cfg, err := NewConfig("client-1", "", "https://example.com/authorize", tokenSrv.URL, nil, "", nil)
	require.NoError(t, err)

	tok, err := RefreshAccessToken(context.Background(), cfg, "old-refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "new-at", tok.AccessToken)
}
