package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/livegate/apierr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func hmacToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "alice",
		"aud":   "livegate",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "events:write",
	}
}

func protected(t *testing.T, cfg JWTConfig) http.Handler {
	t.Helper()
	a, err := NewJWT(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}
	return Require(a, apierr.NewRenderer(nil), "livegate")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		_, _ = w.Write([]byte(id.Subject))
	}))
}

func TestRequire(t *testing.T) {
	h := protected(t, JWTConfig{Secret: testSecret, Audience: "livegate"})

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{name: "valid", header: "Bearer " + hmacToken(t, validClaims()), wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + hmacToken(t, validClaims()), wantStatus: http.StatusOK},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "malformed", header: "Token abc", wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "expired", header: "Bearer " + hmacToken(t, expired), wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "garbage", header: "Bearer not.a.jwt", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("want %d got %d", tc.wantStatus, rec.Code)
			}
			if tc.wantStatus == http.StatusOK {
				if rec.Body.String() != "alice" {
					t.Fatalf("want alice got %q", rec.Body.String())
				}
				return
			}
			if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer ") {
				t.Fatalf("missing challenge: %q", rec.Header().Get("WWW-Authenticate"))
			}
			var env map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env["error_code"] != tc.wantCode {
				t.Fatalf("want %s got %v", tc.wantCode, env["error_code"])
			}
		})
	}
}

func TestRequireInsufficientScope(t *testing.T) {
	h := protected(t, JWTConfig{Secret: testSecret, RequiredScopes: []string{"events:admin"}})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+hmacToken(t, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("want %d got %d", http.StatusForbidden, rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), "insufficient_scope") {
		t.Fatalf("unexpected challenge %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestNewJWTNeedsKeySource(t *testing.T) {
	if _, err := NewJWT(context.Background(), JWTConfig{}); err == nil {
		t.Fatal("expected error without key source")
	}
}

func TestAnonymous(t *testing.T) {
	id, err := Anonymous().Authorize(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if id.Subject != "anonymous" {
		t.Fatalf("want anonymous got %s", id.Subject)
	}
}
