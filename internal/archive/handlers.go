package archive

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Get("/sessions", func(c *fiber.Ctx) error {
		sessions, err := svc.ListSessions(c.Context(), c.QueryInt("limit"))
		if err != nil {
			if errors.Is(err, ErrDisabled) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(sessions)
	})

	r.Get("/sessions/:id/points", func(c *fiber.Ctx) error {
		points, err := svc.Points(c.Context(), c.Params("id"))
		if err != nil {
			if errors.Is(err, ErrDisabled) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})

	r.Get("/sessions/:id/summary", func(c *fiber.Ctx) error {
		sum, err := svc.Summary(c.Context(), c.Params("id"))
		if err != nil {
			if errors.Is(err, ErrDisabled) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusNotFound, "session not found")
		}
		return c.JSON(sum)
	})
}
