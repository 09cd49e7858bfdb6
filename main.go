package main

import (
	"fmt"
	"log"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
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
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	if err := models.LoadSettings(database.GetDB()); err != nil {
		log.Printf("Failed to load app settings, using defaults: %v", err)
	}

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	// Background reconciliation: expiry sweep, pending re-query, quota flush
	svc := subscription.NewServiceFromDB(database.GetDB(), payment.NewClientFromEnv())
	sweeper.GetManager(svc, quota.NewLedger()).Start()

	return app
}
