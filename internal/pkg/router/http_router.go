package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/ListingPilot/app/controllers"
	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/constants"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/env"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// prometheus scrape endpoint
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(promhttp.Handler()))

	h.registerMonitorRoute(app)
	h.registerWebhookRoutes(app)
	h.registerAdminRoutes(app)
}

// fiber monitor. The admin/admin fallback only applies outside production.
func (h HttpRouter) registerMonitorRoute(app *fiber.App) {
	password := env.GetEnv("MONITOR_PASSWORD", "")
	if password == "" {
		if env.IsProduction() {
			log.Warn("[Router] MONITOR_PASSWORD not set, monitor route disabled")
			return
		}
		password = "admin"
	}
	app.Get(constants.MonitorRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("MONITOR_USER", "admin"): password,
		},
	}), monitor.New())
}

// Gateway webhooks. Signature-verified in the billing service, no auth middleware.
func (h HttpRouter) registerWebhookRoutes(app *fiber.App) {
	bc := controllers.NewBillingController(h.deps.Billing)
	app.Post(constants.WebhookStripeRoute, bc.HandleWebhook(models.GatewayStripe))
	app.Post(constants.WebhookRazorpayRoute, bc.HandleWebhook(models.GatewayRazorpay))
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
