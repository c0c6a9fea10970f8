package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ListingPilot/app/controllers"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/middleware"
)

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	ac := controllers.NewAdminBillingController(h.deps.Billing, h.deps.Sweep, h.deps.Stats)

	adminGroup := app.Group("/admin", middleware.APIKeyAuthMiddleware(h.deps.Users), middleware.RequireAdmin)
	billingGroup := adminGroup.Group("/billing")
	billingGroup.Post("/users/:id/verify", ac.HandleVerify)
	billingGroup.Post("/users/:id/sync", ac.HandleSync)
	billingGroup.Post("/users/:id/downgrade", ac.HandleDowngrade)
	billingGroup.Post("/sweep", ac.HandleSweep)
	billingGroup.Get("/queue", ac.HandleQueueStats)
	billingGroup.Get("/stats", ac.HandlePlanStatistics)
}
