package ford

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegion(t *testing.T) Region {
	t.Helper()
	r, err := LookupRegion("deu")
	require.NoError(t, err)
	return r
}

func newTestAuth(t *testing.T, handler http.Handler) (*AuthClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hosts := Hosts{Guard: srv.URL, Autonomic: srv.URL, AutonomicAccounts: srv.URL, Login: srv.URL}
	return NewAuthClient(zap.NewNop(), srv.Client(), testRegion(t), hosts), srv
}

func TestCodeFromRedirect(t *testing.T) {
	code, err := CodeFromRedirect("fordapp://userauthorized/?code=abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)

	code, err = CodeFromRedirect("  fordapp://userauthorized/?code=xyz&state=1 ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", code)

	_, err = CodeFromRedirect("https://example.com/?code=abc")
	assert.ErrorIs(t, err, ErrInvalidRedirect)

	_, err = CodeFromRedirect("fordapp://userauthorized/?code=")
	assert.ErrorIs(t, err, ErrInvalidRedirect)
}

func TestExchangeCode(t *testing.T) {
	auth, _ := newTestAuth(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+fordTenant+"/B2C_1A_SignInSignUp_de-DE/oauth2/v2.0/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "verifier", r.PostForm.Get("code_verifier"))
		assert.Equal(t, RedirectURI, r.PostForm.Get("redirect_uri"))
		assert.Equal(t, fordB2CClientID, r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "b2c", "token_type": "Bearer", "expires_in": 300})
	}))

	tok, err := auth.ExchangeCode(context.Background(), "fordapp://userauthorized/?code=the-code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, "b2c", tok)
}

func TestExchangeCode_MissingAccessToken(t *testing.T) {
	auth, _ := newTestAuth(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error_description":"nope"}`))
	}))

	_, err := auth.ExchangeCode(context.Background(), "fordapp://userauthorized/?code=c", "v")
	require.Error(t, err)
}

func TestExchangeCATAndRefresh(t *testing.T) {
	appID := testRegion(t).AppID
	auth, _ := newTestAuth(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, appID, r.Header.Get("Application-Id"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/token/v2/cat-with-b2c-access-token":
			assert.Equal(t, "b2c", body["idpToken"])
		case "/token/v2/cat-with-refresh-token":
			assert.Equal(t, "old-refresh", body["refresh_token"])
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "cat", RefreshToken: "cat-refresh", ExpiresIn: 1800, RefreshExpiresIn: 86400})
	}))

	tok, err := auth.ExchangeCAT(context.Background(), "b2c")
	require.NoError(t, err)
	assert.Equal(t, "cat", tok.AccessToken)
	assert.EqualValues(t, 1800, tok.ExpiresIn)

	tok, err = auth.RefreshCAT(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "cat-refresh", tok.RefreshToken)
}

func TestExchangeAutonomic(t *testing.T) {
	auth, _ := newTestAuth(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/oidc/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "cat", r.PostForm.Get("subject_token"))
		assert.Equal(t, "fordpass", r.PostForm.Get("subject_issuer"))
		assert.Equal(t, "fordpass-prod", r.PostForm.Get("client_id"))
		assert.Equal(t, tokenExchangeGrantType, r.PostForm.Get("grant_type"))
		assert.Equal(t, tokenExchangeSubjectTypJWT, r.PostForm.Get("subject_token_type"))
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "auto", RefreshToken: "auto-refresh", ExpiresIn: 300})
	}))

	tok, err := auth.ExchangeAutonomic(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, "auto", tok.AccessToken)
}

func TestTokenEndpoint_StatusClassification(t *testing.T) {
	var status atomic.Int32
	var hits atomic.Int32
	auth, _ := newTestAuth(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))

	status.Store(http.StatusUnauthorized)
	_, err := auth.RefreshCAT(context.Background(), "r")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, IsCommunication(err))

	status.Store(http.StatusBadGateway)
	_, err = auth.RefreshCAT(context.Background(), "r")
	assert.True(t, IsCommunication(err))

	status.Store(http.StatusTeapot)
	_, err = auth.RefreshCAT(context.Background(), "r")
	assert.True(t, IsCommunication(err))
	assert.Equal(t, http.StatusTeapot, StatusCode(err))

	// 应用层状态码不重试
	assert.EqualValues(t, 3, hits.Load())
}

func TestTokenEndpoint_ConnectRetry(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	auth := NewAuthClient(zap.NewNop(), nil, testRegion(t), Hosts{Guard: url})
	_, err := auth.RefreshCAT(context.Background(), "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommunication))
}
