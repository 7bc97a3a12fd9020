package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/control"
)

// ControlSender 由 control.Dispatcher 实现。
type ControlSender interface {
	Send(ctx context.Context, typ control.Type) (control.Reply, error)
}

type controlRequest struct {
	Type string `json:"type"`
}

// RegisterControlRoutes 把 POST /-/control 转发到控制通道。
func RegisterControlRoutes(app *fiber.App, sender ControlSender) {
	if app == nil || sender == nil {
		return
	}

	app.Post("/-/control", func(c fiber.Ctx) error {
		var payload controlRequest
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		typ := strings.TrimSpace(payload.Type)
		if typ == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "type_required"})
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		reply, err := sender.Send(ctx, control.Type(typ))
		switch {
		case errors.Is(err, control.ErrUnknownCommand):
			return c.Status(fiber.StatusBadRequest).JSON(reply)
		case err != nil:
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "control_unavailable"})
		}
		return c.JSON(reply)
	})
}
