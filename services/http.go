package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/verdant-labs/apiguard/dto"
	"github.com/verdant-labs/apiguard/shared"
)

type HttpService struct {
	context.DefaultService

	jwtSvc       *JWTService
	blacklistSvc *TokenBlacklistService
	rateLimitSvc *RateLimitService
	authSvc      AuthGuard

	port   int
	server *fiber.App
}

// AuthGuard is what the HTTP layer needs from the auth middleware service;
// the concrete type lives in the middleware package.
type AuthGuard interface {
	RequiredAuth() fiber.Handler
	OptionalAuth() fiber.Handler
}

const (
	HTTP_SVC = "http_svc"

	AUTH_GUARD_SVC = "auth"
)

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.blacklistSvc = svc.Service(TOKEN_BLACKLIST_SVC).(*TokenBlacklistService)
	svc.rateLimitSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.authSvc = svc.Service(AUTH_GUARD_SVC).(AuthGuard)
	monitoringSvc := svc.Service(MONITORING_SVC).(*MonitoringService)

	app := fiber.New(fiber.Config{
		JSONEncoder: sonic.Marshal,
		JSONDecoder: sonic.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(MonitoringMiddleware(monitoringSvc))

	// Identity first, then admission: per-user limits only apply when the
	// caller is known.
	app.Use(svc.authSvc.OptionalAuth())
	app.Use(svc.rateLimitSvc.Admission())

	app.Get("/ping", svc.ping)
	app.Get("/health", svc.ping)

	v1 := app.Group("/api/v1")
	v1.Post("/auth/logout", svc.authSvc.RequiredAuth(), svc.logout)

	// Token issuance normally belongs to the upstream identity provider;
	// this endpoint exists for local development and load testing only.
	if os.Getenv("DEV_TOKEN_ENDPOINT") == "true" {
		v1.Post("/auth/token", svc.issueToken)
	}

	admin := v1.Group("/admin", svc.authSvc.RequiredAuth())
	admin.Get("/ratelimit/stats", svc.rateLimitSvc.GetRateLimitStats())
	admin.Delete("/ratelimit/:scope/:identifier", svc.rateLimitSvc.RemoveRateLimit())
	admin.Get("/blacklist/stats", svc.blacklistStats)
	admin.Post("/blacklist/check", svc.checkToken)
	admin.Post("/blacklist/revoke", svc.revokeToken)
	admin.Post("/blacklist/unrevoke", svc.unrevokeToken)

	app.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})

	svc.server = app
	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

// logout revokes the presented token for the remainder of its own lifetime.
// RequiredAuth has already vetted it, so the exp claim is trustworthy here.
func (svc *HttpService) logout(c *fiber.Ctx) error {
	token, err := svc.jwtSvc.ExtractTokenFromHeader(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return shared.ResponseUnauthorized(c, err.Error())
	}

	expiresAt, err := svc.jwtSvc.TokenExpiry(token)
	if err != nil {
		return shared.ResponseBadRequest(c, err.Error())
	}

	if err := svc.blacklistSvc.Revoke(c.Context(), token, expiresAt); err != nil {
		return shared.ResponseInternalError(c, err)
	}

	return shared.ResponseOK(c, dto.LogoutResponse{
		Status:  true,
		Message: "Successfully logged out",
	})
}

func (svc *HttpService) issueToken(c *fiber.Ctx) error {
	var req dto.IssueTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, err.Error())
	}
	if err := dto.GetValidator().Struct(&req); err != nil {
		return shared.ResponseBadRequest(c, validationMessage(err))
	}

	pair, err := svc.jwtSvc.GenerateTokenPair(req.UserID)
	if err != nil {
		return shared.ResponseInternalError(c, err)
	}

	return shared.ResponseOK(c, pair)
}

func (svc *HttpService) checkToken(c *fiber.Ctx) error {
	req, err := svc.parseRevokeRequest(c)
	if err != nil {
		return shared.ResponseBadRequest(c, err.Error())
	}

	entry, err := svc.blacklistSvc.Entry(c.Context(), req.Token)
	if err != nil {
		return shared.ResponseInternalError(c, err)
	}
	if entry == nil {
		return shared.ResponseNotFound(c)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Token is revoked", entry)
}

func (svc *HttpService) blacklistStats(c *fiber.Ctx) error {
	return shared.ResponseJSON(c, http.StatusOK, "Blacklist statistics", svc.blacklistSvc.Stats(c.Context()))
}

func (svc *HttpService) revokeToken(c *fiber.Ctx) error {
	req, err := svc.parseRevokeRequest(c)
	if err != nil {
		return shared.ResponseBadRequest(c, err.Error())
	}

	expiresAt, err := svc.jwtSvc.TokenExpiry(req.Token)
	if err != nil {
		return shared.ResponseBadRequest(c, err.Error())
	}

	if err := svc.blacklistSvc.Revoke(c.Context(), req.Token, expiresAt); err != nil {
		return shared.ResponseInternalError(c, err)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Token revoked", nil)
}

func (svc *HttpService) unrevokeToken(c *fiber.Ctx) error {
	req, err := svc.parseRevokeRequest(c)
	if err != nil {
		return shared.ResponseBadRequest(c, err.Error())
	}

	removed, err := svc.blacklistSvc.Unrevoke(c.Context(), req.Token)
	if err != nil {
		return shared.ResponseInternalError(c, err)
	}
	if !removed {
		return shared.ResponseNotFound(c)
	}

	return shared.ResponseJSON(c, http.StatusOK, "Token unrevoked", nil)
}

func (svc *HttpService) parseRevokeRequest(c *fiber.Ctx) (*dto.RevokeTokenRequest, error) {
	var req dto.RevokeTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, err
	}
	if err := dto.GetValidator().Struct(&req); err != nil {
		return nil, errors.New(validationMessage(err))
	}
	return &req, nil
}

func validationMessage(err error) string {
	if fieldErrs := dto.FormatValidationErrors(err); len(fieldErrs) > 0 {
		return fieldErrs[0].Message
	}
	return err.Error()
}
