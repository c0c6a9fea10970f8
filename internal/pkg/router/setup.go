package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ListingPilot/app/controllers"
	"github.com/ManuelReschke/ListingPilot/app/repository"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the collaborators the routes are wired to.
type Dependencies struct {
	Users   repository.UserRepository
	Billing BillingService
	Sweep   controllers.SweepRunner
	Stats   controllers.PlanStatistics
}

// BillingService is what the routes need from billing.Service.
type BillingService interface {
	controllers.BillingService
	middleware.AccessLoader
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Webhooks and probes first, they must not pass through API key auth.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
