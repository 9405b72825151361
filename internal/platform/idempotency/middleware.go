package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

type captureWriter struct {
	http.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware replays successful responses for POST and PUT requests that
// repeat an Idempotency-Key. Keys are scoped to the caller and route. Only
// 2xx responses are kept; a failed request releases its key so a retry runs
// again.
func Middleware(store Store, ttl time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			idemKey := req.Header.Get(HeaderKey)
			if idemKey == "" || (req.Method != http.MethodPost && req.Method != http.MethodPut) {
				return next(c)
			}
			if len(idemKey) > 255 {
				return apperr.Validation("%s must be at most 255 characters", HeaderKey)
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return apperr.Validation("read request body: %v", err)
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])

			ctx := req.Context()
			key := auth.UserIDFromContext(ctx) + "|" + req.Method + "|" + req.URL.Path + "|" + idemKey

			prior, err := store.Lookup(ctx, key)
			if errors.Is(err, ErrInFlight) {
				return apperr.New(apperr.Conflict, "a request with this %s is still in progress", HeaderKey)
			}
			if err != nil {
				return apperr.Wrap(err, apperr.Internal, "idempotency lookup failed")
			}
			if prior != nil {
				if prior.RequestHash != hash {
					return apperr.Validation("%s was already used with a different request body", HeaderKey)
				}
				c.Response().Header().Set(HeaderReplayed, "true")
				return c.Blob(prior.Status, prior.ContentType, prior.Body)
			}

			reserved, err := store.Reserve(ctx, key, ttl)
			if err != nil {
				return apperr.Wrap(err, apperr.Internal, "idempotency reserve failed")
			}
			if !reserved {
				return apperr.New(apperr.Conflict, "a request with this %s is still in progress", HeaderKey)
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = cw

			err = next(c)

			// The request context may have timed out by now; the key must
			// still be settled.
			done := context.WithoutCancel(ctx)
			status := c.Response().Status
			if err != nil || status < 200 || status >= 300 {
				if relErr := store.Release(done, key); relErr != nil {
					logger.Warn().Err(relErr).Msg("release idempotency key")
				}
				return err
			}

			resp := Response{
				Status:      status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        cw.buf.Bytes(),
				RequestHash: hash,
			}
			if cErr := store.Complete(done, key, resp, ttl); cErr != nil {
				logger.Warn().Err(cErr).Msg("store idempotent response")
			}
			return nil
		}
	}
}
