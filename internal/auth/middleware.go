package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes understood by the credit API.
const (
	ScopeRead    = "credits:read"
	ScopeReserve = "credits:reserve"
	ScopeSettle  = "credits:settle"
	ScopeAdmin   = "credits:admin"
)

type authInfoKey struct{}

type AuthInfo struct {
	ClientID string
	Scopes   map[string]struct{}
}

func (ai *AuthInfo) Has(scope string) bool {
	if ai == nil {
		return false
	}
	_, ok := ai.Scopes[scope]
	return ok
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	v := ctx.Value(authInfoKey{})
	ai, ok := v.(*AuthInfo)
	return ai, ok
}

// ContextWithAuthInfo attaches the caller identity, as Authenticate does.
func ContextWithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, ai)
}

type JWTValidator struct {
	KeySet *KeySet
	Issuer string
}

func (v *JWTValidator) Validate(tokenString string) (*AccessTokenClaims, error) {
	if v.KeySet == nil || v.KeySet.PublicKey() == nil {
		return nil, errors.New("missing keyset")
	}

	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.KeySet.PublicKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && claims.Issuer != v.Issuer {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

// Identify validates a bearer token and returns the caller identity.
func (v *JWTValidator) Identify(authorization string) (*AuthInfo, error) {
	if v == nil {
		return nil, errors.New("missing validator")
	}
	if authorization == "" || !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return nil, errors.New("missing bearer token")
	}

	claims, err := v.Validate(strings.TrimSpace(authorization[len("Bearer "):]))
	if err != nil {
		return nil, err
	}

	scopes := map[string]struct{}{}
	for _, s := range claims.Scopes {
		scopes[s] = struct{}{}
	}
	return &AuthInfo{ClientID: claims.ClientID, Scopes: scopes}, nil
}

func Authenticate(v *JWTValidator, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, err := v.Identify(r.Header.Get("Authorization"))
			if err != nil {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAuthInfo(r.Context(), ai)))
		})
	}
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai, ok := AuthInfoFromContext(r.Context())
			if !ok {
				onError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			for _, s := range required {
				if !ai.Has(s) {
					onError(w, r, http.StatusForbidden, "forbidden")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
