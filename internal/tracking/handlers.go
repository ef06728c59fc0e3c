package tracking

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the session endpoints. Reads are open; the
// start/stop mutations go through authMiddleware.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/snapshot", func(c *fiber.Ctx) error {
		return c.JSON(svc.Snapshot())
	})

	r.Get("/path", func(c *fiber.Ctx) error {
		snap := svc.Snapshot()
		return c.JSON(fiber.Map{
			"session_id":  snap.SessionID,
			"points":      snap.Path,
			"point_count": len(snap.Path),
		})
	})

	r.Get("/summary", func(c *fiber.Ctx) error {
		return c.JSON(svc.Summary())
	})

	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Start(c.Context()); err != nil {
			if errors.Is(err, ErrSessionActive) {
				return fiber.NewError(fiber.StatusConflict, err.Error())
			}
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(svc.Snapshot())
	})

	r.Post("/stop", authMiddleware, func(c *fiber.Ctx) error {
		svc.Stop()
		return c.JSON(svc.Snapshot())
	})
}
