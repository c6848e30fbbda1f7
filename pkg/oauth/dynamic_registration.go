// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

// ClientName identifies this runtime to a server's registration endpoint.
const ClientName = "MCP Agent Runtime Client"

const (
	grantTypeAuthorizationCode  = "authorization_code"
	responseTypeCode            = "code"
	tokenEndpointAuthMethodNone = "none"
	maxRegistrationResponseSize = 1024 * 1024
	registrationRequestTimeout  = 30 * time.Second
)

// RegistrationRequest is a client registration request per RFC 7591.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scopes                  []string `json:"scope,omitempty"`
}

// RegistrationResponse is the server's reply to a registration request.
type RegistrationResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

// NewRegistrationRequest builds a PKCE-flow registration request targeting
// this runtime's fixed localhost callback, per spec §4.6's registration
// supplement.
func NewRegistrationRequest(scopes []string, callbackPort int) *RegistrationRequest {
	if callbackPort == 0 {
		callbackPort = DefaultCallbackPort
	}
	return &RegistrationRequest{
		RedirectURIs:            []string{fmt.Sprintf("http://localhost:%d%s", callbackPort, CallbackPath)},
		ClientName:              ClientName,
		TokenEndpointAuthMethod: tokenEndpointAuthMethodNone,
		GrantTypes:              []string{grantTypeAuthorizationCode},
		ResponseTypes:           []string{responseTypeCode},
		Scopes:                  scopes,
	}
}

// RegisterClient performs dynamic client registration (RFC 7591) against a
// server's registration_endpoint, typically obtained from DiscoverEndpoints.
func RegisterClient(ctx context.Context, registrationEndpoint string, request *RegistrationRequest) (*RegistrationResponse, error) {
	if registrationEndpoint == "" {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "registration endpoint is required", nil)
	}
	if !strings.HasPrefix(registrationEndpoint, "https://") && !isLocalhost(stripScheme(registrationEndpoint)) {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "registration endpoint must use https", nil)
	}
	if len(request.RedirectURIs) == 0 {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "at least one redirect uri is required", nil)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "encoding registration request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindMissingConfig, "building registration request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: registrationRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenExchangeFailed, "registration request failed", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxRegistrationResponseSize))
		return nil, mcperrors.New(mcperrors.KindTokenExchangeFailed,
			fmt.Sprintf("registration failed with status %d: %s", resp.StatusCode, string(errBody)), nil)
	}

	var out RegistrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRegistrationResponseSize)).Decode(&out); err != nil {
		return nil, mcperrors.New(mcperrors.KindTokenExchangeFailed, "decoding registration response", err)
	}
	if out.ClientID == "" {
		return nil, mcperrors.New(mcperrors.KindTokenExchangeFailed, "registration response missing client_id", nil)
	}
	return &out, nil
}

func stripScheme(u string) string {
	if i := strings.Index(u, "://"); i != -1 {
		return u[i+3:]
	}
	return u
}
