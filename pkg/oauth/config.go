// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"fmt"
	"net/url"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

// DefaultCallbackPort is the fixed localhost callback port from spec §4.6
// step 3 ("local HTTP listener on port 7777").
const DefaultCallbackPort = 7777

// CallbackPath is the path component of the localhost redirect URI.
const CallbackPath = "/oauth/callback"

// Config is the resolved OAuth configuration for one server's
// authentication flow, matching config.OAuthConfig plus the fields the
// flow itself needs.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Audience     string
	ExtraParams  map[string]string
	CallbackPort int

	// Resource is an RFC 8707 resource indicator. When set, token refresh
	// routes through refreshWithResource instead of the plain oauth2
	// refresh flow, since golang.org/x/oauth2 has no hook for extra
	// refresh-request parameters.
	Resource string
}

// NewConfig validates and normalizes a manually-provided OAuth
// configuration, per spec §4.6.
func NewConfig(clientID, clientSecret, authURL, tokenURL string, scopes []string, audience string, extraParams map[string]string) (*Config, error) {
	if clientID == "" {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "client ID is required", nil)
	}
	if authURL == "" {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "authorization URL is required", nil)
	}
	if tokenURL == "" {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "token URL is required", nil)
	}
	if _, err := url.Parse(authURL); err != nil {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, fmt.Sprintf("invalid authorization URL: %v", err), err)
	}
	if _, err := url.Parse(tokenURL); err != nil {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, fmt.Sprintf("invalid token URL: %v", err), err)
	}

	return &Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		Audience:     audience,
		ExtraParams:  extraParams,
		CallbackPort: DefaultCallbackPort,
	}, nil
}

// redirectURI returns the localhost callback URI for this config.
func (c *Config) redirectURI() string {
	port := c.CallbackPort
	if port == 0 {
		port = DefaultCallbackPort
	}
	return fmt.Sprintf("http://localhost:%d%s", port, CallbackPath)
}
