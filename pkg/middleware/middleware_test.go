package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remittance_back/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func token(t *testing.T, claims Claims, key string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(role string) Claims {
	return Claims{
		KYCStatus: "verified",
		Tier:      "premium",
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func router(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append(mw, func(c *gin.Context) {
		req, ok := GetRequester(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, req.ID+"/"+string(req.KYCStatus)+"/"+req.Tier+"/"+req.Role)
	})
	r.GET("/x", handlers...)
	return r
}

func do(r http.Handler, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	expired := validClaims("")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	cases := []struct {
		name   string
		bearer string
		status int
		body   string
	}{
		{"valid", token(t, validClaims(""), secret), http.StatusOK, "u-1/VERIFIED/PREMIUM/USER"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong key", token(t, validClaims(""), "other"), http.StatusUnauthorized, ""},
		{"expired", token(t, expired, secret), http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(router(Auth(secret)), tc.bearer)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.status, w.Body.String())
			}
			if tc.body != "" && w.Body.String() != tc.body {
				t.Fatalf("body = %s, want %s", w.Body.String(), tc.body)
			}
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	if w := do(router(OptionalAuth(secret)), ""); w.Code != http.StatusOK || w.Body.String() != "anonymous" {
		t.Fatalf("anonymous: %d %s", w.Code, w.Body.String())
	}
	if w := do(router(OptionalAuth(secret)), "garbage"); w.Code != http.StatusUnauthorized {
		t.Fatalf("broken token must be refused, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := router(Auth(secret), RequireRole(models.RoleAdmin, models.RoleCompliance))
	if w := do(r, token(t, validClaims("user"), secret)); w.Code != http.StatusForbidden {
		t.Fatalf("user: status = %d", w.Code)
	}
	if w := do(r, token(t, validClaims("compliance_officer"), secret)); w.Code != http.StatusOK {
		t.Fatalf("compliance officer: status = %d", w.Code)
	}
}

type stubLimiter struct {
	count int
	err   error
	scope string
	subj  string
}

func (s *stubLimiter) Consume(_ context.Context, scope, subject string, _ int, _ time.Duration) (int, int, error) {
	s.scope, s.subj = scope, subject
	return s.count, 42, s.err
}

func TestRateLimit(t *testing.T) {
	l := &stubLimiter{count: 11}
	w := do(router(Auth(secret), RateLimit(l, "transfers", 10, time.Hour)), token(t, validClaims(""), secret))
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "42" {
		t.Fatalf("over limit: %d retry=%s", w.Code, w.Header().Get("Retry-After"))
	}
	if l.subj != "user:u-1" || l.scope != "transfers" {
		t.Fatalf("limited %s/%s", l.scope, l.subj)
	}

	l = &stubLimiter{err: errors.New("redis down")}
	if w := do(router(RateLimit(l, "quotes", 30, time.Minute)), ""); w.Code != http.StatusOK {
		t.Fatalf("limiter outage must fail open, got %d", w.Code)
	}
	if l.subj[:3] != "ip:" {
		t.Fatalf("anonymous subject = %s", l.subj)
	}
}
