package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fablehost/fable-api/internal/middleware"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func claimsEcho() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(uint)
		name, _ := c.Locals("user_name").(string)
		return c.JSON(fiber.Map{"user_id": userID, "user_name": name})
	}
}

func TestJWTProtectedRejectsMissingToken(t *testing.T) {
	app := fiber.New()
	app.Get("/secure", middleware.JWTProtected(testSecret), claimsEcho())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/secure", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestJWTProtectedBindsClaims(t *testing.T) {
	app := fiber.New()
	app.Get("/secure", middleware.JWTProtected(testSecret), claimsEcho())

	token := signToken(t, jwt.MapClaims{
		"sub":  "42",
		"name": "alice",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtectedRejectsWrongSignature(t *testing.T) {
	app := fiber.New()
	app.Get("/secure", middleware.JWTProtected(testSecret), claimsEcho())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"})
	signed, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestJWTOptionalAllowsAnonymous(t *testing.T) {
	app := fiber.New()
	app.Get("/open", middleware.JWTOptional(testSecret), claimsEcho())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/open", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTOptionalStillRejectsBadToken(t *testing.T) {
	app := fiber.New()
	app.Get("/open", middleware.JWTOptional(testSecret), claimsEcho())

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
