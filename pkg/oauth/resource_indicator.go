// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

const resourceRefreshTimeout = 30 * time.Second

// refreshWithResource performs a token refresh that includes the RFC 8707
// "resource" parameter, since golang.org/x/oauth2's built-in TokenSource has
// no hook for extra refresh parameters. RefreshAccessToken delegates to it
// whenever Config.Resource is set.
func refreshWithResource(ctx context.Context, cfg *Config, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, mcperrors.New(mcperrors.KindTokenRefreshFailed, "no refresh token available", nil)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"resource":      {cfg.Resource},
	}
	if cfg.ClientID != "" {
		form.Set("client_id", cfg.ClientID)
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenRefreshFailed, "building resource-indicator refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: resourceRefreshTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenRefreshFailed, "resource-indicator refresh request failed", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, mcperrors.New(mcperrors.KindTokenRefreshFailed,
			fmt.Sprintf("resource-indicator refresh failed with status %d", resp.StatusCode), nil)
	}

	var raw struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenRefreshFailed, "decoding resource-indicator refresh response", err)
	}

	logger.Debugw("oauth: refreshed token with resource indicator", "resource", cfg.Resource)

	out := &Token{
		AccessToken:  raw.AccessToken,
		TokenType:    raw.TokenType,
		RefreshToken: raw.RefreshToken,
		Scope:        raw.Scope,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	if raw.ExpiresIn > 0 {
		out.ExpiresAtMs = time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second).UnixMilli()
	}
	return out, nil
}
