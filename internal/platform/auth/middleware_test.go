package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-signing-key")

func mintToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestParseToken_Valid(t *testing.T) {
	signed := mintToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name:  "Dr. Chen",
		Roles: []string{RoleDoctor},
	})

	claims, err := ParseToken(signed, JWTConfig{SigningKey: testSigningKey})
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if claims.Subject != "doc-1" {
		t.Errorf("expected subject doc-1, got %s", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleDoctor {
		t.Errorf("unexpected roles: %v", claims.Roles)
	}
}

func TestParseToken_Expired(t *testing.T) {
	signed := mintToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	if _, err := ParseToken(signed, JWTConfig{SigningKey: testSigningKey}); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	err := handler(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_SetsContext(t *testing.T) {
	signed := mintToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "pat-9",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name:  "Pat Doe",
		Roles: []string{RolePatient},
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "pat-9" {
			t.Errorf("expected user id pat-9, got %s", UserIDFromContext(ctx))
		}
		if UserNameFromContext(ctx) != "Pat Doe" {
			t.Errorf("expected user name Pat Doe, got %s", UserNameFromContext(ctx))
		}
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
