// README: Tests for Firebase auth middleware and the role/self guards.
package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"tarhal/internal/http/middleware"
	"tarhal/internal/infra"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	r.GET("/drivers/:id", middleware.RequireRole(middleware.RoleDriver), middleware.RequireSelf("id"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r *gin.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}})
	if w := get(r, "/test", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}})
	if w := get(r, "/test", "Token sometoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")})
	if w := get(r, "/test", "Bearer invalidtoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ExpiredTokenMessage(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: fmt.Errorf("%w: exp", infra.ErrTokenExpired)})
	w := get(r, "/test", "Bearer old")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "token expired") {
		t.Errorf("expected expiry message, got %s", w.Body.String())
	}
}

func TestAuth_ValidToken_UIDAndRolePopulated(t *testing.T) {
	token := &infra.FirebaseToken{
		UID:    "driver123",
		Claims: map[string]interface{}{"role": "driver"},
	}
	r := newTestRouter(&stubVerifier{token: token})
	w := get(r, "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"uid":"driver123"`) {
		t.Errorf("expected uid driver123 in body, got %s", body)
	}
	if !strings.Contains(body, `"role":"driver"`) {
		t.Errorf("expected role driver in body, got %s", body)
	}
}

func TestAuth_NoRoleClaimIsCustomer(t *testing.T) {
	token := &infra.FirebaseToken{UID: "customer456", Claims: map[string]interface{}{}}
	r := newTestRouter(&stubVerifier{token: token})
	w := get(r, "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"role":"customer"`) {
		t.Errorf("expected customer role, got %s", w.Body.String())
	}
}

func TestRequireRoleAndSelf(t *testing.T) {
	driver := &stubVerifier{token: &infra.FirebaseToken{UID: "d1", Claims: map[string]interface{}{"role": "driver"}}}
	customer := &stubVerifier{token: &infra.FirebaseToken{UID: "d1"}}

	cases := []struct {
		name     string
		verifier infra.TokenVerifier
		path     string
		want     int
	}{
		{"own profile", driver, "/drivers/d1", http.StatusNoContent},
		{"someone else", driver, "/drivers/d2", http.StatusForbidden},
		{"customer role", customer, "/drivers/d1", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := get(newTestRouter(tc.verifier), tc.path, "Bearer x")
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}
