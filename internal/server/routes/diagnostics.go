package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/policy"
)

// LifecycleSource 提供生命周期快照。
type LifecycleSource interface {
	Snapshot() lifecycle.Snapshot
}

// RegisterDiagnosticsRoutes 暴露 /-/lifecycle 与 /-/policies 诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, source LifecycleSource, naming cache.Naming) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		return c.JSON(source.Snapshot())
	})

	app.Get("/-/policies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":  naming.Version,
			"policies": encodePolicies(policy.Profiles(), naming),
		})
	})
}

type policyPayload struct {
	Category string `json:"category"`
	Strategy string `json:"strategy"`
	Tier     string `json:"tier,omitempty"`
	Store    string `json:"store,omitempty"`
	Fallback string `json:"fallback"`
}

func encodePolicies(profiles []policy.Profile, naming cache.Naming) []policyPayload {
	if len(profiles) == 0 {
		return nil
	}
	result := make([]policyPayload, 0, len(profiles))
	for _, profile := range profiles {
		item := policyPayload{
			Category: string(profile.Category),
			Strategy: string(profile.Strategy),
			Fallback: string(profile.Fallback),
		}
		if profile.Tier != "" {
			item.Tier = string(profile.Tier)
			item.Store = naming.Name(profile.Tier)
		}
		result = append(result, item)
	}
	return result
}
