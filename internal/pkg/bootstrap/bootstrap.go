// Package bootstrap builds the process-wide services from the environment.
// The HTTP server, the admin CLI and the workers share it.
package bootstrap

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/ListingPilot/app/repository"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/billing"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/cache"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/constants"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/database"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/env"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/router"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/statistics"
)

const defaultSweepWorkers = 4

type Services struct {
	Repos   *repository.Repositories
	Billing *billing.Service
	Jobs    *jobqueue.Manager
	Stats   *statistics.Service
}

// SetupServices connects database and redis and wires the billing engine
// with the redis user lock and the downgrade queue. Workers are not started.
func SetupServices() (*Services, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalFactory().GetRepositories()

	gateways := billing.GatewaysFromEnv()
	if !gateways.Any() {
		log.Warn("[Billing] no payment gateway configured, checkout and webhooks will answer 503")
	}
	svc := billing.NewService(repos.Billing, gateways,
		billing.WithConfig(billing.ConfigFromEnv()),
		billing.WithLocker(cache.NewLocker(cache.GetClient())),
	)

	queue := jobqueue.NewQueue(cache.GetClient(), env.GetEnvInt("BILLING_SWEEP_WORKERS", defaultSweepWorkers))
	jobs, err := jobqueue.NewManager(queue, svc, env.GetEnv("BILLING_SWEEP_SCHEDULE", ""))
	if err != nil {
		return nil, err
	}

	return &Services{
		Repos:   repos,
		Billing: svc,
		Jobs:    jobs,
		Stats:   statistics.NewService(repos.User, cache.GetClient()),
	}, nil
}

// NewApplication builds the fiber app and installs every route.
func NewApplication(s *Services) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "ListingPilot",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if specPath := findFile(constants.DocsFilePath); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: constants.DocsBasePath,
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warnf("[App] %s not found, API docs disabled", constants.DocsFilePath)
	}

	router.InstallRouter(app, router.Dependencies{
		Users:   s.Repos.User,
		Billing: s.Billing,
		Sweep:   s.Jobs,
		Stats:   s.Stats,
	})
	return app
}

// findFile looks for name relative to the working directory and the project root.
func findFile(name string) string {
	for _, base := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(base + name); err == nil {
			return base + name
		}
	}
	return ""
}
