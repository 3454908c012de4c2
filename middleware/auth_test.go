package middleware

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-labs/apiguard/services"
	"github.com/verdant-labs/apiguard/shared"
)

func newAuthTestApp(t *testing.T) (*fiber.App, *services.JWTService, *services.TokenBlacklistService) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jwtSvc := services.NewJWTService("test-secret", time.Hour)
	blacklistSvc := services.NewTokenBlacklistService(services.NewRedisService(client), time.Now)
	authMw := NewAuthMiddleware(jwtSvc, blacklistSvc)

	app := fiber.New()
	app.Get("/me", authMw.RequiredAuth(), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(shared.UserID).(string))
	})
	app.Get("/whoami", authMw.OptionalAuth(), func(c *fiber.Ctx) error {
		if userID, ok := c.Locals(shared.UserID).(string); ok {
			return c.SendString(userID)
		}
		return c.SendString("anonymous")
	})

	return app, jwtSvc, blacklistSvc
}

func TestRequiredAuth_MissingHeader(t *testing.T) {
	app, _, _ := newAuthTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequiredAuth_InvalidToken(t *testing.T) {
	app, _, _ := newAuthTestApp(t)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer not.a.token")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequiredAuth_ValidToken(t *testing.T) {
	app, jwtSvc, _ := newAuthTestApp(t)

	token, err := jwtSvc.ToJWT("42")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "42", string(body))
}

// A structurally valid, unexpired token must still be rejected once revoked.
func TestRequiredAuth_RevokedTokenRejected(t *testing.T) {
	app, jwtSvc, blacklistSvc := newAuthTestApp(t)

	token, err := jwtSvc.ToJWT("42")
	require.NoError(t, err)

	require.NoError(t, blacklistSvc.Revoke(context.Background(), token, time.Now().Add(time.Hour)))

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "revoked")
}

func TestOptionalAuth_Anonymous(t *testing.T) {
	app, _, _ := newAuthTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/whoami", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", string(body))
}

func TestOptionalAuth_Authenticated(t *testing.T) {
	app, jwtSvc, _ := newAuthTestApp(t)

	token, err := jwtSvc.ToJWT("42")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)

	resp, err := app.Test(req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "42", string(body))
}
