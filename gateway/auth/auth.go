package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"creditnet/crypto"
)

var (
	// ErrMissingToken is returned when no bearer token accompanies the
	// request.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken is returned when the token fails signature or claim
	// validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

type contextKey string

const callerKey contextKey = "gateway.caller"

// Claims are the JWT claims the gateway understands: the subject is the
// caller's bech32 address.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates HMAC-signed bearer tokens and resolves the calling
// address. Authorization beyond authentication is the engines' job through
// the access-control port.
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewAuthenticator constructs an authenticator over the shared HMAC secret.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(secret)),
		issuer:    strings.TrimSpace(issuer),
		clockSkew: 2 * time.Minute,
	}
}

// MintToken issues a token for the address. Used by the CLI and by tests.
func (a *Authenticator) MintToken(caller crypto.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   caller.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses the bearer token and returns the caller address.
func (a *Authenticator) Verify(tokenString string) (crypto.Address, error) {
	claims := &Claims{}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.clockSkew),
	}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, options...)
	if err != nil || !token.Valid {
		return crypto.Address{}, ErrInvalidToken
	}
	caller, err := crypto.DecodeAddress(claims.Subject)
	if err != nil {
		return crypto.Address{}, ErrInvalidToken
	}
	return caller, nil
}

// Middleware authenticates every request and stores the caller address in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		caller, err := a.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFrom extracts the authenticated caller from the request context.
func CallerFrom(ctx context.Context) (crypto.Address, bool) {
	caller, ok := ctx.Value(callerKey).(crypto.Address)
	return caller, ok
}
