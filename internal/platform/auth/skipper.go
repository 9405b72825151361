package auth

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

// Probe and scrape routes. They are read-only, so only GET and HEAD skip
// authentication.
var publicRoutes = []string{"/health", "/health/store", "/metrics"}

// AuthSkipper matches on the registered route, not the raw URL, so
// "/health/../api" style paths cannot slip through.
func AuthSkipper(c echo.Context) bool {
	m := c.Request().Method
	if m != http.MethodGet && m != http.MethodHead {
		return false
	}
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	return slices.Contains(publicRoutes, path)
}
