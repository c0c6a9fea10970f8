package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ListingPilot/app/controllers"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/env"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 120),
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.deps.Users))

	account := controllers.NewAccountController(h.deps.Users, h.deps.Billing)
	v1.Get("/user/account", account.HandleGetUserAccount)
	v1.Post("/user/apikey", account.HandleRotateAPIKey)

	bc := controllers.NewBillingController(h.deps.Billing)
	billingGroup := v1.Group("/billing")
	billingGroup.Post("/checkout", bc.HandleCheckout)
	billingGroup.Post("/cancel", bc.HandleCancel)
	billingGroup.Get("/status", bc.HandleStatus)

	features := v1.Group("/features")
	for _, f := range controllers.Features {
		features.Get("/"+f.Key, middleware.RequireAccess(h.deps.Billing, f.Plans), controllers.HandleFeature(f))
		// same decision, never enforced
		features.Get("/"+f.Key+"/preview", middleware.RequireAccess(h.deps.Billing, f.Plans, entitlements.WithSoftBlock()), controllers.HandleFeature(f))
	}
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
