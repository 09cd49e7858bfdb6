package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/app/repository"
	"github.com/nebulachat/NebulaChat/internal/pkg/cache"
	"github.com/nebulachat/NebulaChat/internal/pkg/database"
	"github.com/nebulachat/NebulaChat/internal/pkg/env"
	"github.com/nebulachat/NebulaChat/internal/pkg/payment"
	"github.com/nebulachat/NebulaChat/internal/pkg/quota"
	"github.com/nebulachat/NebulaChat/internal/pkg/router"
	"github.com/nebulachat/NebulaChat/internal/pkg/subscription"
	"github.com/nebulachat/NebulaChat/internal/pkg/sweeper"
)

func main() {
	app, manager := NewApplication()

	// Graceful shutdown: stop the sweeper before closing the listener so
	// in-flight reconciliation finishes.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		manager.Stop()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *sweeper.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	if err := models.LoadSettings(database.GetDB()); err != nil {
		log.Printf("Failed to load app settings, using defaults: %v", err)
	}

	// Find the correct base path when running from cmd/nebulachat
	basePaths := []string{
		"./",
		"../../",
		"../../../",
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}
	if basePath == "" {
		panic("Could not find project root directory")
	}

	app := fiber.New(fiber.Config{})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	// Background reconciliation: expiry sweep, pending re-query, quota flush
	svc := subscription.NewServiceFromDB(database.GetDB(), payment.NewClientFromEnv())
	manager := sweeper.GetManager(svc, quota.NewLedger())
	manager.Start()

	return app, manager
}
