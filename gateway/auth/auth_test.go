package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creditnet/crypto"
)

func testCaller() crypto.Address {
	b := make([]byte, crypto.AddressLength)
	b[0] = 0x7F
	return crypto.MustAddress(b)
}

func TestMintAndVerify(t *testing.T) {
	authn := NewAuthenticator("secret", "creditnetd")
	caller := testCaller()

	token, err := authn.MintToken(caller, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	got, err := authn.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != caller {
		t.Fatalf("caller = %s, want %s", got, caller)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewAuthenticator("secret-a", "creditnetd").MintToken(testCaller(), time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := NewAuthenticator("secret-b", "creditnetd").Verify(token); err == nil {
		t.Fatalf("token accepted across secrets")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	authn := NewAuthenticator("secret", "creditnetd")
	token, err := authn.MintToken(testCaller(), -10*time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := authn.Verify(token); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	authn := NewAuthenticator("secret", "creditnetd")
	caller := testCaller()

	var seen crypto.Address
	handler := authn.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := CallerFrom(r.Context())
		if !ok {
			t.Fatalf("caller missing from context")
		}
		seen = got
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}

	// Valid token.
	token, err := authn.MintToken(caller, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d", rec.Code)
	}
	if seen != caller {
		t.Fatalf("caller = %s, want %s", seen, caller)
	}
}
