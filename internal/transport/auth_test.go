package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/kazi/internal/config"
)

const (
	testSecretEnv = "KAZI_TEST_JWT_SECRET"
	testSecret    = "test-secret-with-enough-entropy-0123456789"
	testIssuer    = "https://auth.example.com"
	testAudience  = "kazi"
)

func testIdentity(t *testing.T) config.IdentityConfig {
	t.Helper()
	t.Setenv(testSecretEnv, testSecret)
	return config.IdentityConfig{
		Issuer:      testIssuer,
		Audience:    testAudience,
		SecretEnv:   testSecretEnv,
		ClockSkew:   30 * time.Second,
		RolesClaim:  "roles",
		TenantClaim: "tenant_id",
	}
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func validClaims(sub, tenant string, roles ...string) jwt.MapClaims {
	rs := make([]any, len(roles))
	for i, r := range roles {
		rs[i] = r
	}
	return jwt.MapClaims{
		"sub":       sub,
		"tenant_id": tenant,
		"roles":     rs,
		"iss":       testIssuer,
		"aud":       testAudience,
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}
}

func authRequest(t *testing.T, cfg config.IdentityConfig, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var gotClaims map[string]any
	handler := JWTAuthenticator(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/definitions", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, gotClaims
}

func TestJWTAuthenticator_validToken(t *testing.T) {
	cfg := testIdentity(t)
	token := signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("alice", "acme", "manager"))

	w, claims := authRequest(t, cfg, "Bearer "+token)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if claims["sub"] != "alice" || claims["tenant_id"] != "acme" {
		t.Errorf("claims = %v", claims)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	tests := []struct {
		name    string
		header  func(t *testing.T) string
		message string
	}{
		{
			name:    "missing header",
			header:  func(*testing.T) string { return "" },
			message: "Missing authorization header",
		},
		{
			name:    "not bearer",
			header:  func(*testing.T) string { return "Basic dXNlcjpwYXNz" },
			message: "Invalid authorization header format",
		},
		{
			name: "expired",
			header: func(t *testing.T) string {
				c := validClaims("alice", "acme")
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, c)
			},
			message: "Token expired",
		},
		{
			name: "wrong issuer",
			header: func(t *testing.T) string {
				c := validClaims("alice", "acme")
				c["iss"] = "https://evil.example.com"
				return "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, c)
			},
			message: "Invalid token issuer",
		},
		{
			name: "wrong audience",
			header: func(t *testing.T) string {
				c := validClaims("alice", "acme")
				c["aud"] = "someone-else"
				return "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, c)
			},
			message: "Invalid token audience",
		},
		{
			name: "missing exp",
			header: func(t *testing.T) string {
				c := validClaims("alice", "acme")
				delete(c, "exp")
				return "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, c)
			},
			message: "Token is missing a required claim",
		},
		{
			name: "disallowed algorithm",
			header: func(t *testing.T) string {
				return "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret, validClaims("alice", "acme"))
			},
			message: "Disallowed signing algorithm",
		},
		{
			name: "wrong secret",
			header: func(t *testing.T) string {
				return "Bearer " + signToken(t, jwt.SigningMethodHS256, "another-secret", validClaims("alice", "acme"))
			},
			message: "Invalid token signature",
		},
		{
			name:    "garbage",
			header:  func(*testing.T) string { return "Bearer not.a.jwt" },
			message: "Invalid token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentity(t)
			w, claims := authRequest(t, cfg, tt.header(t))

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if claims != nil {
				t.Error("handler should not have been reached")
			}
			got := decodeError(t, w)
			if got.Code != "UNAUTHENTICATED" || got.Message != tt.message {
				t.Errorf("envelope = %+v, want message %q", got, tt.message)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	cfg := testIdentity(t)
	c := validClaims("alice", "acme")
	c["exp"] = time.Now().Add(-10 * time.Second).Unix()
	token := signToken(t, jwt.SigningMethodHS256, testSecret, c)

	w, _ := authRequest(t, cfg, "Bearer "+token)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 within clock skew", w.Code)
	}
}

func TestJWTAuthenticator_noSecretConfigured(t *testing.T) {
	cfg := testIdentity(t)
	t.Setenv(testSecretEnv, "")
	token := signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("alice", "acme"))

	w, _ := authRequest(t, cfg, "Bearer "+token)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a secret", w.Code)
	}
}
