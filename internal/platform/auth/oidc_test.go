package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func rsaJWK(kid string, pub *rsa.PublicKey) JWKSKey {
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// newIdP serves a discovery document and a JWKS holding key.
func newIdP(t *testing.T, kid string, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"issuer":   srv.URL,
				"jwks_uri": srv.URL + "/jwks",
			})
		case "/jwks":
			json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{rsaJWK(kid, &key.PublicKey)}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverOIDC_Discovery(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := newIdP(t, "k1", key)

	provider, err := DiscoverOIDC(context.Background(), idp.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.JWKSURI != idp.URL+"/jwks" {
		t.Errorf("expected jwks_uri %s/jwks, got %s", idp.URL, provider.JWKSURI)
	}
	if provider.Issuer != idp.URL {
		t.Errorf("expected issuer %s, got %s", idp.URL, provider.Issuer)
	}
}

func TestDiscoverOIDC_InvalidIssuer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := DiscoverOIDC(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for invalid issuer")
	}
	if _, err := DiscoverOIDC(context.Background(), "http://127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unreachable issuer")
	}
}

func TestDiscoverOIDC_MissingJWKSURI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "http://" + r.Host})
	}))
	defer server.Close()

	if _, err := DiscoverOIDC(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for missing jwks_uri")
	}
}

func TestDiscoverOIDC_IssuerMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   "https://other.example.com",
			"jwks_uri": "https://other.example.com/jwks",
		})
	}))
	defer server.Close()

	if _, err := DiscoverOIDC(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for mismatched issuer")
	}
}

func TestDiscoverOIDC_RequiresRS256(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                                srv.URL,
			"jwks_uri":                              srv.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"ES256"},
		})
	}))
	defer srv.Close()

	if _, err := DiscoverOIDC(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error when RS256 is not offered")
	}
}

func TestJWTMiddleware_RS256ViaDiscovery(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := newIdP(t, "k1", key)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dispatcher-1",
			Issuer:    idp.URL,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleDispatcher},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	mw := JWTMiddleware(JWTConfig{Issuer: idp.URL})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var sub string
	err = mw(func(c echo.Context) error {
		sub = UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != "dispatcher-1" {
		t.Errorf("expected subject dispatcher-1, got %q", sub)
	}
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := newIdP(t, "k1", key)

	cache := NewJWKSCache(idp.URL+"/jwks", time.Minute)
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("expected k1 to resolve, got %v", err)
	}
	if _, err := cache.GetKey("missing"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestJWKSCache_ThrottlesRefetch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{rsaJWK("k1", &key.PublicKey)}})
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := cache.GetKey("forged"); err == nil {
			t.Fatal("expected unknown kid to fail")
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("expected a single fetch, got %d", n)
	}
	if _, err := cache.GetKey("k1"); err != nil {
		t.Errorf("known kid: %v", err)
	}
}

func TestJWKSCache_KeepsKeysWhenIssuerDown(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := newIdP(t, "k1", key)

	cache := NewJWKSCache(idp.URL+"/jwks", time.Millisecond)
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatal(err)
	}
	idp.Close()
	time.Sleep(5 * time.Millisecond)

	if _, err := cache.GetKey("k1"); err != nil {
		t.Errorf("expected cached key after failed refresh, got %v", err)
	}
}
