package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *OAuthServer {
	t.Helper()
	keys, err := NewKeySet()
	require.NoError(t, err)

	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)

	return &OAuthServer{
		Store: NewMemoryClientStore(Client{
			ID:         "tts-worker",
			SecretHash: hash,
			Scopes:     []string{ScopeSettle, ScopeReserve, ScopeRead},
		}),
		Keys: keys,
	}
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestTokenHandler_IssuesValidToken(t *testing.T) {
	srv := newTestServer(t)

	req := tokenRequest(url.Values{"grant_type": {"client_credentials"}, "scope": {"credits:reserve credits:admin"}})
	req.SetBasicAuth("tts-worker", "s3cret")
	rec := httptest.NewRecorder()
	srv.TokenHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, ScopeReserve, resp.Scope)

	ai, err := srv.Validator().Identify("Bearer " + resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tts-worker", ai.ClientID)
	assert.True(t, ai.Has(ScopeReserve))
	assert.False(t, ai.Has(ScopeAdmin))
}

func TestTokenHandler_Rejections(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		form   url.Values
		user   string
		pass   string
		status int
		code   string
	}{
		{"bad grant", url.Values{"grant_type": {"password"}}, "tts-worker", "s3cret", http.StatusBadRequest, "unsupported_grant_type"},
		{"bad secret", url.Values{"grant_type": {"client_credentials"}}, "tts-worker", "wrong", http.StatusUnauthorized, "invalid_client"},
		{"unknown client", url.Values{"grant_type": {"client_credentials"}}, "ghost", "s3cret", http.StatusUnauthorized, "invalid_client"},
		{"no scope overlap", url.Values{"grant_type": {"client_credentials"}, "scope": {"credits:admin"}}, "tts-worker", "s3cret", http.StatusForbidden, "invalid_scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tokenRequest(tt.form)
			req.SetBasicAuth(tt.user, tt.pass)
			rec := httptest.NewRecorder()
			srv.TokenHandler(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.code)
		})
	}
}

func TestIssue_AllScopesSorted(t *testing.T) {
	srv := newTestServer(t)
	client, err := srv.Store.GetClient(context.Background(), "tts-worker")
	require.NoError(t, err)

	resp, err := srv.Issue(client, nil)
	require.NoError(t, err)
	assert.Equal(t, "credits:read credits:reserve credits:settle", resp.Scope)
}

func TestValidator_RejectsForeignAndExpiredTokens(t *testing.T) {
	srv := newTestServer(t)
	client, err := srv.Store.GetClient(context.Background(), "tts-worker")
	require.NoError(t, err)

	other := newTestServer(t)
	foreign, err := other.Issue(client, nil)
	require.NoError(t, err)
	_, err = srv.Validator().Validate(foreign.AccessToken)
	assert.Error(t, err)

	srv.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := srv.Issue(client, nil)
	require.NoError(t, err)
	_, err = srv.Validator().Validate(stale.AccessToken)
	assert.Error(t, err)

	wrongIssuer := &JWTValidator{KeySet: srv.Keys, Issuer: "someone-else"}
	srv.Now = nil
	fresh, err := srv.Issue(client, nil)
	require.NoError(t, err)
	_, err = wrongIssuer.Validate(fresh.AccessToken)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	srv := newTestServer(t)
	client, err := srv.Store.GetClient(context.Background(), "tts-worker")
	require.NoError(t, err)
	tok, err := srv.Issue(client, []string{ScopeRead})
	require.NoError(t, err)

	onError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		http.Error(w, code, status)
	}
	h := Authenticate(srv.Validator(), onError)(
		RequireScopes(onError, ScopeRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			require.True(t, ok)
			_, _ = w.Write([]byte(ai.ClientID))
		})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tts-worker", rec.Body.String())

	admin := Authenticate(srv.Validator(), onError)(RequireScopes(onError, ScopeAdmin)(http.NotFoundHandler()))
	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoadKeySet(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(pk)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jwt.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	a, err := LoadKeySet(path)
	require.NoError(t, err)
	b, err := LoadKeySet(path)
	require.NoError(t, err)
	assert.Equal(t, a.KeyID(), b.KeyID())

	jwks, err := a.JWKS()
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "AQAB", jwks.Keys[0].E)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = LoadKeySet(path)
	assert.Error(t, err)
}
