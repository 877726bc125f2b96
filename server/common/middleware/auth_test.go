package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeAuth struct{}

func (fakeAuth) ParseAuthContext(token string) (string, string, string, error) {
	switch token {
	case "admin-token":
		return "u-admin", "c1", "admin", nil
	case "client-token":
		return "u-client", "c1", "client", nil
	default:
		return "", "", "", errors.New("bad token")
	}
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/")
	g.Use(AuthRequired(fakeAuth{}), RequireRoles("admin", "manager"))
	g.GET("/secret", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID)+"|"+c.GetString(ContextCompanyID))
	})
	return r
}

func TestAuthAndRoles(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"no header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
		{"wrong role", "Bearer client-token", http.StatusForbidden, ""},
		{"admin", "Bearer admin-token", http.StatusOK, "u-admin|c1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/secret", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer  abc "); got != "abc" {
		t.Errorf("BearerToken = %q, want %q", got, "abc")
	}
	if got := BearerToken("bearer abc"); got != "" {
		t.Errorf("BearerToken lowercase = %q, want empty", got)
	}
}
