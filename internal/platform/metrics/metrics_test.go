package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
)

func TestObserve_OutcomeLabels(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.Observe(ctx, "dispatch", nil, 10*time.Millisecond)
	m.Observe(ctx, "dispatch", apperr.New(apperr.UnitUnavailable, "busy"), time.Millisecond)
	m.Observe(ctx, "dispatch", errors.New("boom"), time.Millisecond)
	m.Observe(ctx, "", nil, time.Millisecond)

	cases := map[string]float64{
		"ok":              1,
		"UnitUnavailable": 1,
		"Internal":        1,
	}
	for outcome, want := range cases {
		got := testutil.ToFloat64(m.operations.WithLabelValues("dispatch", outcome))
		if got != want {
			t.Errorf("outcome %s: expected %v, got %v", outcome, want, got)
		}
	}
	if n := testutil.CollectAndCount(m.operations); n != 3 {
		t.Errorf("expected 3 series, got %d", n)
	}
}

func TestObserveTx(t *testing.T) {
	m := New()
	m.ObserveTx("memory", "committed", time.Millisecond)
	m.ObserveTx("memory", "conflict", time.Millisecond)
	if n := testutil.CollectAndCount(m.storeTx); n != 2 {
		t.Errorf("expected 2 series, got %d", n)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	e.Use(m.Middleware())
	e.GET("/api/v1/beds/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return apperr.NotFoundf("bed missing")
		}
		return c.NoContent(http.StatusOK)
	})

	for _, path := range []string{"/api/v1/beds/b1", "/api/v1/beds/b2", "/api/v1/beds/missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/beds/:id", "200")); got != 2 {
		t.Errorf("expected 2 ok requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/beds/:id", "404")); got != 1 {
		t.Errorf("expected 1 not found request, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpActive); got != 0 {
		t.Errorf("expected no active requests, got %v", got)
	}
}

func TestHandler_ExposesGauges(t *testing.T) {
	m := New()
	err := m.RegisterGauge("units", "Units by status.", []string{"status"}, func(context.Context) ([]Sample, error) {
		return []Sample{
			{Labels: []string{"Available"}, Value: 3},
			{Labels: []string{"Dispatched"}, Value: 1},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Observe(context.Background(), "admit_walk_in", nil, time.Millisecond)

	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`intake_units{status="Available"} 3`,
		`intake_units{status="Dispatched"} 1`,
		`intake_operations_total{operation="admit_walk_in",outcome="ok"} 1`,
		"# TYPE intake_http_request_duration_seconds histogram",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestRegisterGauge_Duplicate(t *testing.T) {
	m := New()
	fn := func(context.Context) ([]Sample, error) { return nil, nil }
	if err := m.RegisterGauge("beds", "b", nil, fn); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterGauge("beds", "b", nil, fn); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
