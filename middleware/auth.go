package middleware

import (
	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"

	"github.com/verdant-labs/apiguard/services"
	"github.com/verdant-labs/apiguard/shared"
)

// AuthMiddleware gates protected routes. The blacklist check runs before
// signature verification: a revoked token is rejected no matter how valid it
// looks otherwise.
type AuthMiddleware struct {
	context.DefaultService

	jwtSvc       *services.JWTService
	blacklistSvc *services.TokenBlacklistService
}

const AUTH_MIDDLEWARE_SVC = "auth"

func (svc AuthMiddleware) Id() string {
	return AUTH_MIDDLEWARE_SVC
}

func NewAuthMiddleware(jwtSvc *services.JWTService, blacklistSvc *services.TokenBlacklistService) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSvc:       jwtSvc,
		blacklistSvc: blacklistSvc,
	}
}

func (svc *AuthMiddleware) Configure(ctx *context.Context) error {
	svc.jwtSvc = ctx.Service(services.JWT_SVC).(*services.JWTService)
	svc.blacklistSvc = ctx.Service(services.TOKEN_BLACKLIST_SVC).(*services.TokenBlacklistService)
	return svc.DefaultService.Configure(ctx)
}

func (svc *AuthMiddleware) Start() error {
	return nil
}

func (svc *AuthMiddleware) RequiredAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		token, err := svc.jwtSvc.ExtractTokenFromHeader(authHeader)
		if err != nil {
			return shared.ResponseUnauthorized(c, err.Error())
		}

		if svc.blacklistSvc.IsRevoked(c.Context(), token) {
			return shared.ResponseUnauthorized(c, "Token has been revoked")
		}

		userID, err := svc.jwtSvc.VerifyJWTToken(token)
		if err != nil {
			return shared.ResponseUnauthorized(c, "Invalid JWT token")
		}

		if userID == "" {
			return shared.ResponseUnauthorized(c, "Invalid user ID in token")
		}

		c.Locals(shared.UserID, userID)
		return c.Next()
	}
}

// OptionalAuth populates the user identity when a valid bearer token is
// present but lets everything else through untouched. Registered before the
// admission middleware so per-user limits see authenticated callers.
func (svc *AuthMiddleware) OptionalAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return c.Next()
		}

		token, err := svc.jwtSvc.ExtractTokenFromHeader(authHeader)
		if err != nil {
			return c.Next()
		}

		if svc.blacklistSvc.IsRevoked(c.Context(), token) {
			return c.Next()
		}

		if userID, err := svc.jwtSvc.VerifyJWTToken(token); err == nil && userID != "" {
			c.Locals(shared.UserID, userID)
		}

		return c.Next()
	}
}
