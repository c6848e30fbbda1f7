// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverEndpoints_OIDCDocument(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "` + srv.URL + `",
			"authorization_endpoint": "` + srv.URL + `/authorize",
			"token_endpoint": "` + srv.URL + `/token",
			"jwks_uri": "` + srv.URL + `/jwks"
		}`))
	}))
	defer srv.Close()

	doc, err := DiscoverEndpoints(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/token", doc.TokenEndpoint)
}

func TestDiscoverEndpoints_FallsBackToOAuthMetadata(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			http.NotFound(w, r)
		case "/.well-known/oauth-authorization-server":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"issuer": "` + srv.URL + `",
				"authorization_endpoint": "` + srv.URL + `/authorize",
				"token_endpoint": "` + srv.URL + `/token"
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	doc, err := DiscoverEndpoints(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/token", doc.TokenEndpoint)
}

func TestDiscoverEndpoints_IssuerMismatchFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "https://someone-else.example.com",
			"authorization_endpoint": "https://someone-else.example.com/authorize",
			"token_endpoint": "https://someone-else.example.com/token",
			"jwks_uri": "https://someone-else.example.com/jwks"
		}`))
	}))
	defer srv.Close()

	_, err := DiscoverEndpoints(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestConfigFromDiscovery_DefaultsOIDCScopes(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "` + srv.URL + `",
			"authorization_endpoint": "` + srv.URL + `/authorize",
			"token_endpoint": "` + srv.URL + `/token",
			"jwks_uri": "` + srv.URL + `/jwks"
		}`))
	}))
	defer srv.Close()

	cfg, err := ConfigFromDiscovery(context.Background(), srv.URL, "client-1", "", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openid", "profile", "email"}, cfg.Scopes)
}
