// Package auth verifies the bearer tokens presented by clients on the
// WebSocket upgrade and REST requests. Token issuance lives elsewhere; this
// package only validates HS256 JWTs and extracts the user identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is returned when no credential was presented or it
	// does not identify a user.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrInvalidToken is returned for malformed, mis-signed or mis-issued
	// tokens. It wraps ErrUnauthenticated.
	ErrInvalidToken = errors.Join(ErrUnauthenticated, errors.New("auth: invalid token"))
	// ErrExpiredToken is returned when the token has expired. It wraps
	// ErrUnauthenticated.
	ErrExpiredToken = errors.Join(ErrUnauthenticated, errors.New("auth: token has expired"))
)

// Identity is the authenticated principal behind a connection or request.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator resolves a credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// Claims are the JWT claims accepted by Verifier. The subject is used when
// user_id is absent.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// VerifierConfig holds token verification settings.
type VerifierConfig struct {
	Secret string
	Issuer string        // required issuer, empty to accept any
	Leeway time.Duration // tolerated clock skew
}

// Verifier validates HS256-signed JWTs.
type Verifier struct {
	config VerifierConfig
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for the given configuration.
func NewVerifier(config VerifierConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Verifier{config: config, parser: jwt.NewParser(opts...)}
}

// Authenticate validates the token and returns the identity it carries.
func (v *Verifier) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" || v.config.Secret == "" {
		return Identity{}, ErrUnauthenticated
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: userID, Username: claims.Username}, nil
}

// Sign issues a token for the identity. It exists for tests and local
// tooling; production tokens come from the identity service.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.config.Secret))
}

// BearerToken extracts the credential from the Authorization header, or
// from the token query parameter for browser WebSocket clients that cannot
// set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// identity in the request context.
func Middleware(a Authenticator, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), BearerToken(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
