package handover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/dispatch"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

func serve(e *echo.Echo, method, path, body, user, roles string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-Dev-User", user)
	req.Header.Set("X-Dev-Roles", roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateVerify(t *testing.T) {
	f := newFixture()
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1", auth.DevAuthMiddleware()))

	inc, _ := f.incidentAt(t, dispatch.UnitTransporting)

	rec := serve(e, http.MethodPost, "/api/v1/handovers", `{"incident_id":"`+inc.ID+`","snapshot":{"vitals":{"heart_rate":96}}}`, "crew-1", "crew")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created Record
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = serve(e, http.MethodPost, "/api/v1/handovers/"+created.ID+"/verify", "", "crew-1", "crew")
	if rec.Code != http.StatusForbidden {
		t.Errorf("crew must not verify, got %d", rec.Code)
	}

	rec = serve(e, http.MethodPost, "/api/v1/handovers/"+created.ID+"/verify", "", "nurse-9", "nurse")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := f.svc.Get(context.Background(), created.ID)
	if got.VerifiedBy != "nurse-9" {
		t.Errorf("expected caller as verifier, got %q", got.VerifiedBy)
	}

	rec = serve(e, http.MethodPost, "/api/v1/handovers/"+created.ID+"/verify", `{"verifier":"dr-2"}`, "dr-2", "physician")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body apperr.Body
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Kind != apperr.AlreadyVerified || body.Retryable {
		t.Errorf("unexpected body %+v", body)
	}

	rec = serve(e, http.MethodGet, "/api/v1/handovers/eligible", "", "reg-1", "registrar")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID) {
		t.Errorf("expected handover in eligible list, got %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, http.MethodGet, "/api/v1/handovers?verified=maybe", "", "reg-1", "registrar")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for bad filter, got %d", rec.Code)
	}
}
