// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

// wellKnownOIDCPath and wellKnownOAuthServerPath are the two discovery
// document locations a server's issuer might publish, per RFC 8414 / OpenID
// Connect Discovery 1.0.
const (
	wellKnownOIDCPath        = ".well-known/openid-configuration"
	wellKnownOAuthServerPath = "/.well-known/oauth-authorization-server"
	maxDiscoveryResponseSize = 1024 * 1024
	discoveryTimeout         = 30 * time.Second
)

// DiscoveryDocument is the subset of RFC 8414 authorization server metadata
// (and its OIDC superset) the client needs to build a Config.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri,omitempty"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

func (d *DiscoveryDocument) validate(requireJWKS bool) error {
	if d.Issuer == "" {
		return fmt.Errorf("missing issuer")
	}
	if d.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint")
	}
	if d.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint")
	}
	if requireJWKS && d.JWKSURI == "" {
		return fmt.Errorf("missing jwks_uri (OIDC requires it)")
	}
	return nil
}

// DiscoverEndpoints fetches an issuer's OIDC discovery document, falling
// back to the plain OAuth authorization-server metadata document when the
// OIDC document is unavailable, and merges in a registration_endpoint found
// only on the fallback document. The issuer in the returned document must
// match the one requested.
func DiscoverEndpoints(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	oidcURL, oauthURL, err := wellKnownURLs(issuer)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "building discovery urls", err)
	}

	client := &http.Client{Timeout: discoveryTimeout}

	fetch := func(target string, requireJWKS bool) (*DiscoveryDocument, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: http %d", target, resp.StatusCode)
		}
		if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.Contains(ct, "application/json") {
			return nil, fmt.Errorf("%s: unexpected content-type %q", target, ct)
		}

		var doc DiscoveryDocument
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryResponseSize)).Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: decoding metadata: %w", target, err)
		}
		if err := doc.validate(requireJWKS); err != nil {
			return nil, fmt.Errorf("%s: invalid metadata: %w", target, err)
		}
		if doc.Issuer != issuer {
			return nil, fmt.Errorf("%s: issuer mismatch: expected %s, got %s", target, issuer, doc.Issuer)
		}
		return &doc, nil
	}

	doc, oidcErr := fetch(oidcURL, true)
	if oidcErr == nil {
		if doc.RegistrationEndpoint == "" {
			if oauthDoc, err := fetch(oauthURL, false); err == nil && oauthDoc.RegistrationEndpoint != "" {
				doc.RegistrationEndpoint = oauthDoc.RegistrationEndpoint
				logger.Debugf("oauth: merged registration_endpoint from authorization-server metadata for %s", issuer)
			}
		}
		return doc, nil
	}

	doc, oauthErr := fetch(oauthURL, false)
	if oauthErr == nil {
		return doc, nil
	}

	return nil, mcperrors.New(mcperrors.KindMissingConfig,
		fmt.Sprintf("unable to discover oauth endpoints for %s: oidc error: %v, oauth error: %v", issuer, oidcErr, oauthErr), nil)
}

// ConfigFromDiscovery builds a Config from a discovered issuer, defaulting
// to the OpenID Connect scopes when the caller supplies none.
func ConfigFromDiscovery(ctx context.Context, issuer, clientID, clientSecret string, scopes []string) (*Config, error) {
	doc, err := DiscoverEndpoints(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return NewConfig(clientID, clientSecret, doc.AuthorizationEndpoint, doc.TokenEndpoint, scopes, "", nil)
}

// wellKnownURLs derives the two candidate discovery document locations for
// an issuer, handling issuers that publish from a nested tenant path.
func wellKnownURLs(issuer string) (oidcURL, oauthURL string, err error) {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return "", "", fmt.Errorf("invalid issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" && !isLocalhost(issuerURL.Host) {
		return "", "", fmt.Errorf("issuer must use https: %s", issuer)
	}

	tenant := strings.Trim(issuerURL.EscapedPath(), "/")
	base := &url.URL{Scheme: issuerURL.Scheme, Host: issuerURL.Host}

	oidc := *base
	oidc.Path = path.Join("/", tenant, wellKnownOIDCPath)

	oauthMeta := *base
	oauthMeta.Path = path.Join(wellKnownOAuthServerPath, tenant)

	return oidc.String(), oauthMeta.String(), nil
}

func isLocalhost(host string) bool {
	h := host
	if i := strings.LastIndex(h, ":"); i != -1 {
		h = h[:i]
	}
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
