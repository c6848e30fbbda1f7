// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoRefreshingSource_PersistsOnRefresh(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-at","token_type":"Bearer","expires_in":3600,"refresh_token":"fresh-rt"}`))
	}))
	defer tokenSrv.Close()

	cfg, err := NewConfig("client-1", "", "https://example.com/authorize", tokenSrv.URL, nil, "", nil)
	require.NoError(t, err)

	var persistedRT string
	var persistedExp int64
	src := NewAutoRefreshingSource(cfg, "old-rt", 0, func(refreshToken string, expiresAtMs int64) error {
		persistedRT = refreshToken
		persistedExp = expiresAtMs
		return nil
	})

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-at", tok.AccessToken)
	assert.Equal(t, "fresh-rt", persistedRT)
	assert.NotZero(t, persistedExp)
}

func TestAutoRefreshingSource_DoesNotRepersistUnchangedRefreshToken(t *testing.T) {
	t.Parallel()

	calls := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":1,"refresh_token":"stable-rt"}`))
	}))
	defer tokenSrv.Close()

	cfg, err := NewConfig("client-1", "", "https://example.com/authorize", tokenSrv.URL, nil, "", nil)
	require.NoError(t, err)

	persistCount := 0
	src := NewAutoRefreshingSource(cfg, "old-rt", 0, func(string, int64) error {
		persistCount++
		return nil
	})

	_, err = src.Token()
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = src.Token()
	require.NoError(t, err)

	assert.Equal(t, 1, persistCount)
}
