package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const callbackPath = "/oauth2/callback"

func newTestClient(tokenURL string) *Client {
	return New(Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		CallbackPath: callbackPath,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://idp.example.com/authorize",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
}

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAuthorizationRequest(t *testing.T) {
	c := newTestClient("https://idp.example.com/token")

	authURL, state := c.AuthorizationRequest("https://app.example.com")
	require.NotEmpty(t, state)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/oauth2/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, state, q.Get("state"))

	_, second := c.AuthorizationRequest("https://app.example.com")
	assert.NotEqual(t, state, second, "state must be fresh per request")
}

func TestAuthorizationRequestPerHost(t *testing.T) {
	c := New(Config{
		ClientID:     "client-1",
		Scopes:       []string{"openid", "groups"},
		CallbackPath: callbackPath,
		Endpoint:     oauth2.Endpoint{AuthURL: "https://idp.example.com/authorize"},
	})

	for _, origin := range []string{"https://a.example.com", "http://b.example.com:8080"} {
		authURL, _ := c.AuthorizationRequest(origin)
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		assert.Equal(t, origin+callbackPath, u.Query().Get("redirect_uri"))
		assert.Equal(t, "openid groups", u.Query().Get("scope"))
	}
}

func TestExchange(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
			assert.Equal(t, "good-code", r.PostForm.Get("code"))
			assert.Equal(t, "https://app.example.com/oauth2/callback", r.PostForm.Get("redirect_uri"))
			assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "at-1",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		})
		tok, err := newTestClient(srv.URL).Exchange(context.Background(), "https://app.example.com", "good-code")
		require.NoError(t, err)
		assert.Equal(t, "at-1", tok.AccessToken)
	})

	t.Run("InvalidGrant", func(t *testing.T) {
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "code expired",
			})
		})
		_, err := newTestClient(srv.URL).Exchange(context.Background(), "https://app.example.com", "old")
		var xerr *ExchangeError
		require.True(t, errors.As(err, &xerr))
		assert.Equal(t, FailureInvalidGrant, xerr.Kind)
		assert.Equal(t, "invalid_grant", xerr.Code)
		assert.Equal(t, "code expired", xerr.Description)
		assert.Contains(t, xerr.Error(), "invalid_grant")
	})

	t.Run("ServerErrorWithoutCode", func(t *testing.T) {
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		_, err := newTestClient(srv.URL).Exchange(context.Background(), "https://app.example.com", "c")
		var xerr *ExchangeError
		require.True(t, errors.As(err, &xerr))
		assert.Equal(t, FailureUnexpected, xerr.Kind)
	})

	t.Run("MissingAccessToken", func(t *testing.T) {
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"token_type": "Bearer"})
		})
		_, err := newTestClient(srv.URL).Exchange(context.Background(), "https://app.example.com", "c")
		var xerr *ExchangeError
		require.True(t, errors.As(err, &xerr))
		assert.Equal(t, FailureUnexpected, xerr.Kind)
	})

	t.Run("Transport", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		tokenURL := srv.URL + "/token"
		srv.Close()

		_, err := newTestClient(tokenURL).Exchange(context.Background(), "https://app.example.com", "c")
		var xerr *ExchangeError
		require.True(t, errors.As(err, &xerr))
		assert.Equal(t, FailureTransport, xerr.Kind)
		assert.Equal(t, "transport", xerr.Kind.String())
	})
}

func TestDiscover(t *testing.T) {
	var issuer string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/auth",
			"token_endpoint":         issuer + "/token",
			"jwks_uri":               issuer + "/certs",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"id_token":     "not-a-jwt",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuer = srv.URL

	c, err := Discover(context.Background(), issuer, Config{ClientID: "client-1", CallbackPath: callbackPath})
	require.NoError(t, err)

	authURL, _ := c.AuthorizationRequest("https://app.example.com")
	assert.Contains(t, authURL, issuer+"/auth?")

	t.Run("UnverifiableIDToken", func(t *testing.T) {
		_, err := c.Exchange(context.Background(), "https://app.example.com", "code")
		var xerr *ExchangeError
		require.True(t, errors.As(err, &xerr))
		assert.Equal(t, FailureUnexpected, xerr.Kind)
	})

	t.Run("IssuerMismatch", func(t *testing.T) {
		_, err := Discover(context.Background(), issuer+"/other", Config{ClientID: "client-1"})
		assert.Error(t, err)
	})
}
