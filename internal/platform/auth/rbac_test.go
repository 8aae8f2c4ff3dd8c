package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runRequireRole(t *testing.T, granted []string, required ...string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "user-1", granted))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	return rec, RequireRole(required...)(handler)(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := runRequireRole(t, []string{RoleViewer}, RoleViewer, RoleRegistrar)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := runRequireRole(t, []string{RoleViewer}, RoleRegistrar)
	if err == nil {
		t.Fatal("expected error for unauthorized role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_NoIdentity(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequireRole(RoleViewer)(func(c echo.Context) error { return nil })(c)
	if err == nil {
		t.Error("expected error without roles")
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if _, err := runRequireRole(t, []string{RoleAdmin}, RoleInterface); err != nil {
		t.Error("admin should bypass role checks")
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []string
		want     bool
	}{
		{"match", []string{RoleInterface}, []string{RoleInterface, RoleRegistrar}, true},
		{"second role", []string{"other", RoleRegistrar}, []string{RoleRegistrar}, true},
		{"admin", []string{RoleAdmin}, []string{RoleViewer}, true},
		{"none granted", nil, []string{RoleViewer}, false},
		{"no overlap", []string{RoleViewer}, []string{RoleInterface}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRole(tt.granted, tt.required...); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-123", nil)
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}
