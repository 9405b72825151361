package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{RoleDispatcher}, []string{RoleDispatcher}, true},
		{"one of several", []string{RoleNurse}, []string{RoleRegistrar, RoleNurse}, true},
		{"admin passes", []string{RoleAdmin}, []string{RoleHousekeeping}, true},
		{"wrong role", []string{RoleCrew}, []string{RoleBedManager}, false},
		{"no roles", nil, []string{RoleNurse}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithIdentity(req.Context(), "u1", tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(tt.required...)(okHandler)(c)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				return
			}
			expectStatus(t, err, http.StatusForbidden)
		})
	}
}

func TestHasRole(t *testing.T) {
	if !HasRole([]string{RoleCrew, RoleNurse}, RoleNurse) {
		t.Error("expected nurse to match")
	}
	if HasRole([]string{RoleCrew}) {
		t.Error("expected no match with no required roles")
	}
	if !HasRole([]string{RoleAdmin}) {
		t.Error("expected admin to pass even with no required roles")
	}
}
