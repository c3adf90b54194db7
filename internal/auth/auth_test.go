package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/reachmix-backend/internal/config"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

func hsToken(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   exp.Unix(),
		"iat":   time.Now().Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func testFail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
}

func newRouter(v *Verifier) (*gin.Engine, *RequestContext) {
	var seen RequestContext
	r := gin.New()
	r.Use(Middleware(v, testFail))
	r.GET("/x", func(c *gin.Context) {
		seen = FromGin(c)
		c.Status(http.StatusOK)
	})
	return r, &seen
}

func TestNewVerifier_RequiresKeySource(t *testing.T) {
	if _, err := NewVerifier(config.AuthConfig{}); err == nil {
		t.Fatalf("expected error without JWKS url or secret")
	}
}

func TestMiddleware_AnonymousWithoutHeader(t *testing.T) {
	v, _ := NewVerifier(config.AuthConfig{HMACSecret: testSecret})
	r, seen := newRouter(v)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen.Authenticated || seen.Identifier() != "203.0.113.9" {
		t.Fatalf("unexpected context: %+v", *seen)
	}
}

func TestMiddleware_ValidHS256Token(t *testing.T) {
	v, _ := NewVerifier(config.AuthConfig{HMACSecret: testSecret})
	r, seen := newRouter(v)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+hsToken(t, testSecret, "user-1", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !seen.Authenticated || seen.CallerID != "user-1" || seen.Email != "user-1@example.com" {
		t.Fatalf("unexpected context: %+v", *seen)
	}
	if seen.Identifier() != "user-1" {
		t.Fatalf("identifier = %q", seen.Identifier())
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	v, _ := NewVerifier(config.AuthConfig{HMACSecret: testSecret})
	cases := map[string]string{
		"malformed":    "Token abc",
		"empty bearer": "Bearer ",
		"wrong secret": "Bearer " + hsToken(t, "other", "user-1", time.Now().Add(time.Hour)),
		"expired":      "Bearer " + hsToken(t, testSecret, "user-1", time.Now().Add(-time.Hour)),
		"no subject":   "Bearer " + hsToken(t, testSecret, "", time.Now().Add(time.Hour)),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := newRouter(v)
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("Authorization", header)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestVerifier_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := map[string]any{"keys": []map[string]string{{
		"kty": "RSA", "kid": "k1", "use": "sig", "alg": "RS256",
		"n": base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	v, err := NewVerifier(config.AuthConfig{JWKSURL: srv.URL, Issuer: "https://id.example/", Audience: "reachmix"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "https://id.example/", "aud": "reachmix", "sub": "user-9",
		"exp": time.Now().Add(10 * time.Minute).Unix(),
	})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := v.Verify(signed)
	if err != nil || claims.Subject != "user-9" {
		t.Fatalf("Verify = %+v, %v", claims, err)
	}

	wrongAud := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "https://id.example/", "aud": "other", "sub": "user-9",
		"exp": time.Now().Add(10 * time.Minute).Unix(),
	})
	wrongAud.Header["kid"] = "k1"
	signed, _ = wrongAud.SignedString(key)
	if _, err := v.Verify(signed); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestRequestContext_Identifier(t *testing.T) {
	if got := (RequestContext{}).Identifier(); got != AnonymousIdentifier {
		t.Fatalf("empty identifier = %q", got)
	}
	if got := (RequestContext{CallerID: "u1"}).Identifier(); got != AnonymousIdentifier {
		t.Fatalf("unauthenticated caller id must not be trusted: %q", got)
	}
	rc := Caller("u1")
	if !rc.Authenticated || rc.Identifier() != "u1" {
		t.Fatalf("Caller = %+v", rc)
	}
	ctx := WithRequestContext(context.Background(), rc)
	if FromContext(ctx) != rc {
		t.Fatalf("round-trip through context failed")
	}
	if FromContext(context.Background()).Authenticated {
		t.Fatalf("missing context must be anonymous")
	}
}

func TestExtractBearerToken(t *testing.T) {
	if tok, ok := extractBearerToken("bearer abc"); !ok || tok != "abc" {
		t.Fatalf("expected token")
	}
	if _, ok := extractBearerToken("Bearer"); ok {
		t.Fatalf("expected failure without token")
	}
}
