// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

// Persister is called whenever a refresh produces a new refresh token, so
// the caller can write it back to its credential store (pkg/oauthstore).
// Only the refresh token is persisted since the access token is cheaply
// regenerated from it.
type Persister func(refreshToken string, expiresAtMs int64) error

// persistingTokenSource wraps an oauth2.TokenSource and persists the
// refresh token whenever it changes, enabling session restoration across
// process restarts without a new browser-based flow.
type persistingTokenSource struct {
	source    oauth2.TokenSource
	persister Persister

	mu        sync.Mutex
	lastToken *oauth2.Token
}

// NewAutoRefreshingSource builds a TokenSource from a cached refresh token
// that refreshes on demand and persists each new refresh token via persist.
// cfg.Resource is ignored here: resource-indicator refreshes go through
// RefreshAccessToken/refreshWithResource instead, since oauth2.TokenSource
// has no hook for the extra parameter.
func NewAutoRefreshingSource(cfg *Config, refreshToken string, expiresAtMs int64, persist Persister) oauth2.TokenSource {
	oc := oauth2Config(cfg)

	var expiry time.Time
	if expiresAtMs > 0 {
		expiry = time.UnixMilli(expiresAtMs)
	}

	seed := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       expiry,
		TokenType:    "Bearer",
	}
	base := oauth2.ReuseTokenSource(seed, oc.TokenSource(context.Background(), seed))

	return &persistingTokenSource{source: base, persister: persist}
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.source.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.RefreshToken != "" && p.persister != nil &&
		(p.lastToken == nil || tok.RefreshToken != p.lastToken.RefreshToken) {
		if err := p.persister(tok.RefreshToken, tok.Expiry.UnixMilli()); err != nil {
			logger.Warnf("oauth: failed to persist refreshed token: %v", err)
		} else {
			logger.Debugf("oauth: persisted refreshed token")
		}
		p.lastToken = tok
	}

	return tok, nil
}
