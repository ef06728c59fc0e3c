package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Post("/token", func(c *fiber.Ctx) error {
		var req TokenRequest
		if err := c.BodyParser(&req); err != nil || req.APIKey == "" {
			return fiber.NewError(fiber.StatusBadRequest, "api_key required")
		}

		resp, err := svc.IssueToken(req)
		if err != nil {
			switch {
			case errors.Is(err, ErrNotConfigured):
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			case errors.Is(err, ErrInvalidKey):
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(resp)
	})

	r.Get("/verify", func(c *fiber.Ctx) error {
		token := parseBearer(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		operator, err := svc.ValidateAccessToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		return c.JSON(fiber.Map{"operator": operator})
	})
}

func parseBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
