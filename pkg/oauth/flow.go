// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

// Token mirrors spec §3's OAuthToken shape.
type Token struct {
	AccessToken  string
	TokenType    string
	ExpiresAtMs  int64
	RefreshToken string
	Scope        string
}

// authMu serializes authentications on the shared callback port, per spec
// §5 "the OAuth callback port is exclusive".
var authMu sync.Mutex

// callbackTimeout is the fixed wall-clock bound on the whole flow, per spec
// §4.6 step 3.
const callbackTimeout = 5 * time.Minute

// callbackResult carries the outcome of the single accepted callback.
type callbackResult struct {
	code  string
	state string
	err   error
}

// Authenticate runs the Authorization Code + PKCE flow end-to-end: builds
// the authorization URL, starts the localhost callback listener, waits for
// a single callback (or the 5-minute timeout), and exchanges the code for
// a token, per spec §4.6.
func Authenticate(ctx context.Context, cfg *Config, openBrowser func(urlStr string)) (*Token, error) {
	authMu.Lock()
	defer authMu.Unlock()

	pkce, err := GeneratePKCEParams()
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindAuthorizationDenied, "generating PKCE parameters", err)
	}
	state, err := GenerateState()
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindAuthorizationDenied, "generating state", err)
	}

	authURL, err := buildAuthorizationURL(cfg, pkce, state)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindAuthorizationDenied, "building authorization url", err)
	}

	resultCh := make(chan callbackResult, 1)
	srv, addr, err := startCallbackServer(cfg, state, resultCh)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindInvalidCallback, "starting callback listener", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Infof("oauth: listening for callback on %s", addr)

	if openBrowser != nil {
		// Best-effort: failure to open a browser is non-fatal, per spec §4.6
		// step 3.
		safeOpenBrowser(openBrowser, authURL)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return exchangeCode(timeoutCtx, cfg, pkce.CodeVerifier, res.code)
	case <-timeoutCtx.Done():
		return nil, mcperrors.New(mcperrors.KindAuthorizationDenied, "authentication timed out after 5 minutes", timeoutCtx.Err())
	}
}

func safeOpenBrowser(openBrowser func(string), authURL string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("oauth: opening browser panicked: %v", r)
		}
	}()
	openBrowser(authURL)
}

func buildAuthorizationURL(cfg *Config, pkce *PKCEParams, state string) (string, error) {
	u, err := url.Parse(cfg.AuthURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", cfg.redirectURI())
	q.Set("state", state)
	q.Set("code_challenge", pkce.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	if cfg.Audience != "" {
		q.Set("audience", cfg.Audience)
	}
	for k, v := range cfg.ExtraParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// startCallbackServer binds the fixed callback port and serves a single
// request, sending its outcome on resultCh.
func startCallbackServer(cfg *Config, expectedState string, resultCh chan<- callbackResult) (*http.Server, string, error) {
	port := cfg.CallbackPort
	if port == 0 {
		port = DefaultCallbackPort
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, "", err
	}

	mux := http.NewServeMux()
	var once sync.Once
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			resultCh <- handleCallbackRequest(r, expectedState)
		})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>Authentication complete</h1><p>You may close this window.</p></body></html>"))
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warnf("oauth: callback server error: %v", err)
		}
	}()
	return srv, listener.Addr().String(), nil
}

func handleCallbackRequest(r *http.Request, expectedState string) callbackResult {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		return callbackResult{err: mcperrors.New(mcperrors.KindAuthorizationDenied,
			fmt.Sprintf("authorization denied: %s (%s)", errCode, desc), nil)}
	}

	if q.Get("state") != expectedState {
		return callbackResult{err: mcperrors.New(mcperrors.KindInvalidCallback, "state parameter mismatch", nil)}
	}

	code := q.Get("code")
	if code == "" {
		return callbackResult{err: mcperrors.New(mcperrors.KindInvalidCallback, "callback missing authorization code", nil)}
	}
	return callbackResult{code: code, state: expectedState}
}

func oauth2Config(cfg *Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.redirectURI(),
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

// exchangeCode trades an authorization code for a token, per spec §4.6
// step 5.
func exchangeCode(ctx context.Context, cfg *Config, codeVerifier, code string) (*Token, error) {
	oc := oauth2Config(cfg)
	tok, err := oc.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenExchangeFailed, "exchanging authorization code", err)
	}
	return toToken(tok), nil
}

// RefreshAccessToken exchanges a refresh token for a new access token, per
// spec §4.6 "identical error surface" to the code exchange. When cfg names
// an RFC 8707 resource indicator, the refresh carries it explicitly since
// golang.org/x/oauth2 cannot add custom parameters to its own refresh path.
func RefreshAccessToken(ctx context.Context, cfg *Config, refreshToken string) (*Token, error) {
	if cfg.Resource != "" {
		return refreshWithResource(ctx, cfg, refreshToken)
	}

	oc := oauth2Config(cfg)
	src := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenRefreshFailed, "refreshing access token", err)
	}
	return toToken(tok), nil
}

func toToken(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresAtMs = tok.Expiry.UnixMilli()
	}
	if scope := tok.Extra("scope"); scope != nil {
		if s, ok := scope.(string); ok {
			out.Scope = s
		}
	}
	return out
}

// IsExpired reports whether tok is expired or within the 5-minute safety
// margin, per spec §4.6 credential store contract.
func IsExpired(tok Token) bool {
	if tok.ExpiresAtMs == 0 {
		return false
	}
	margin := 5 * time.Minute
	return time.Now().Add(margin).UnixMilli() >= tok.ExpiresAtMs
}
