package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake/internal/platform/apperr"
)

func newServer(store Store, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	e.Use(Middleware(store, time.Hour, zerolog.Nop()))
	e.POST("/api/v1/units", handler)
	return e
}

func post(e *echo.Echo, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/units", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ReplaysSuccess(t *testing.T) {
	calls := 0
	e := newServer(NewMemoryStore(), func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusCreated, map[string]int{"call": calls})
	})

	first := post(e, "abc", `{"call_sign":"M-1"}`)
	second := post(e, "abc", `{"call_sign":"M-1"}`)

	assert.Equal(t, 1, calls, "handler must run once")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Empty(t, first.Header().Get(HeaderReplayed))
}

func TestMiddleware_DifferentBodyRejected(t *testing.T) {
	e := newServer(NewMemoryStore(), func(c echo.Context) error {
		return c.JSON(http.StatusCreated, map[string]string{"ok": "yes"})
	})

	require.Equal(t, http.StatusCreated, post(e, "abc", `{"a":1}`).Code)
	rec := post(e, "abc", `{"a":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apperr.ValidationFailed))
}

func TestMiddleware_FailureIsNotCached(t *testing.T) {
	calls := 0
	e := newServer(NewMemoryStore(), func(c echo.Context) error {
		calls++
		return apperr.New(apperr.BedNotAvailable, "bed b1 is Occupied")
	})

	assert.Equal(t, http.StatusConflict, post(e, "abc", `{}`).Code)
	assert.Equal(t, http.StatusConflict, post(e, "abc", `{}`).Code)
	assert.Equal(t, 2, calls, "failed requests must run again on retry")
}

func TestMiddleware_InFlightKey(t *testing.T) {
	store := NewMemoryStore()
	// No identity on the request, so the user part of the key is empty.
	ok, err := store.Reserve(context.Background(), "|POST|/api/v1/units|abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	e := newServer(store, func(c echo.Context) error {
		t.Error("handler must not run while the key is in flight")
		return nil
	})

	rec := post(e, "abc", `{}`)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apperr.Conflict))
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	calls := 0
	e := newServer(NewMemoryStore(), func(c echo.Context) error {
		calls++
		return c.NoContent(http.StatusNoContent)
	})
	post(e, "", `{}`)
	post(e, "", `{}`)
	assert.Equal(t, 2, calls)
}

// ctxStore fails like a network store once the caller's context is done.
type ctxStore struct{ *MemoryStore }

func (s ctxStore) Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Complete(ctx, key, resp, ttl)
}

func (s ctxStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Release(ctx, key)
}

func TestMiddleware_SettlesKeyAfterRequestTimeout(t *testing.T) {
	store := ctxStore{NewMemoryStore()}
	var cancel context.CancelFunc
	fail := true
	calls := 0

	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cf := context.WithCancel(c.Request().Context())
			cancel = cf
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(Middleware(store, time.Hour, zerolog.Nop()))
	e.POST("/api/v1/units", func(c echo.Context) error {
		calls++
		cancel()
		if fail {
			return apperr.New(apperr.Internal, "deadline exceeded")
		}
		return c.JSON(http.StatusCreated, map[string]int{"call": calls})
	})

	assert.Equal(t, http.StatusInternalServerError, post(e, "abc", `{}`).Code)

	fail = false
	rec := post(e, "abc", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code, "retry after a timed out failure must run again")

	replay := post(e, "abc", `{}`)
	assert.Equal(t, "true", replay.Header().Get(HeaderReplayed))
	assert.Equal(t, 2, calls)
}
