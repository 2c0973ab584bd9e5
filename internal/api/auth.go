package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quantumlife/labcal/internal/core"
)

var errUnauthenticated = errors.New("missing or invalid bearer token")

// Claims carried by API bearer tokens. Subject is the user id.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token for actor, valid for ttl.
func IssueToken(secret, issuer string, actor core.Actor, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret: %w", core.ErrMissingRequired)
	}
	if actor.ID == "" {
		return "", fmt.Errorf("subject: %w", core.ErrMissingRequired)
	}
	now := time.Now()
	claims := Claims{
		Admin: actor.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

type authenticator struct {
	secret []byte
	issuer string
}

func newAuthenticator(secret, issuer string) *authenticator {
	return &authenticator{secret: []byte(secret), issuer: issuer}
}

// parse validates a raw token and returns the actor it names
func (a *authenticator) parse(raw string) (core.Actor, error) {
	if len(a.secret) == 0 || raw == "" {
		return core.Actor{}, errUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return core.Actor{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if claims.Subject == "" {
		return core.Actor{}, errUnauthenticated
	}
	return core.Actor{ID: claims.Subject, Admin: claims.Admin}, nil
}

// middleware authenticates the request and stores the actor in its context.
// allowQuery accepts an access_token query parameter, for websocket clients
// that cannot set headers.
func (a *authenticator) middleware(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" && allowQuery {
				raw = r.URL.Query().Get("access_token")
			}
			actor, err := a.parse(raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="labcal"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthenticated","message":"missing or invalid bearer token"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r.WithContext(core.WithActor(r.Context(), actor)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireAdmin rejects callers without the admin claim.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !core.ActorFrom(r.Context()).Admin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"permission_denied","message":"administrator required"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
