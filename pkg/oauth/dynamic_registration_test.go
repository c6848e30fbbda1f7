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

func TestNewRegistrationRequest_DefaultsCallbackPort(t *testing.T) {
	t.Parallel()
	req := NewRegistrationRequest([]string{"read"}, 0)
	assert.Equal(t, []string{"http://localhost:7777/oauth/callback"}, req.RedirectURIs)
	assert.Equal(t, []string{grantTypeAuthorizationCode}, req.GrantTypes)
	assert.Equal(t, tokenEndpointAuthMethodNone, req.TokenEndpointAuthMethod)
}

func TestRegisterClient_Succeeds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"client_id":"dyn-client-1","client_secret":"dyn-secret-1"}`))
	}))
	defer srv.Close()

	resp, err := RegisterClient(context.Background(), srv.URL, NewRegistrationRequest([]string{"read"}, 7777))
	require.NoError(t, err)
	assert.Equal(t, "dyn-client-1", resp.ClientID)
	assert.Equal(t, "dyn-secret-1", resp.ClientSecret)
}

func TestRegisterClient_RejectsInsecureNonLocalEndpoint(t *testing.T) {
	t.Parallel()
	_, err := RegisterClient(context.Background(), "http://registrar.example.com/register", NewRegistrationRequest(nil, 7777))
	require.Error(t, err)
}

func TestRegisterClient_NonSuccessStatusFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client_metadata"}`))
	}))
	defer srv.Close()

	_, err := RegisterClient(context.Background(), srv.URL, NewRegistrationRequest(nil, 7777))
	require.Error(t, err)
}
