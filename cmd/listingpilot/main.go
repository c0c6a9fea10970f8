package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ListingPilot/internal/pkg/bootstrap"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/env"
)

func main() {
	services, err := bootstrap.SetupServices()
	if err != nil {
		log.Fatalf("[App] setup failed: %v", err)
	}

	if err := services.Jobs.Start(); err != nil {
		log.Fatalf("[App] starting downgrade sweep failed: %v", err)
	}

	app := bootstrap.NewApplication(services)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Errorf("[App] server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("[App] shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[App] shutdown: %v", err)
	}
	services.Jobs.Stop()
}
