package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PaperFox/app/repository"
	"github.com/ManuelReschke/PaperFox/internal/pkg/billing"
	"github.com/ManuelReschke/PaperFox/internal/pkg/cache"
	"github.com/ManuelReschke/PaperFox/internal/pkg/database"
	"github.com/ManuelReschke/PaperFox/internal/pkg/env"
	"github.com/ManuelReschke/PaperFox/internal/pkg/mail"
	"github.com/ManuelReschke/PaperFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PaperFox/internal/pkg/notify"
	"github.com/ManuelReschke/PaperFox/internal/pkg/router"
)

func main() {
	app, queue := NewApplication()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))

	queue.Stop()
	if cerr := cache.Close(); cerr != nil {
		log.Printf("Cache close error: %v", cerr)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *notify.Queue) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	// Billing configuration is resolved once and injected.
	billingCfg := billing.NewConfigFromEnv()

	// Notifications are delivered by queue workers, outside the webhook request.
	sender := notify.NewMailSender(mail.NewMailer(mail.ConfigFromEnv()), env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"))
	queue := notify.NewQueue(cache.GetClient(), env.GetEnvInt("NOTIFY_WORKERS", notify.DefaultWorkers), sender)
	queue.Start()

	billingService := billing.NewServiceFromDB(database.GetDB(), billingCfg, billing.WithNotifier(queue))
	if cfg := billingService.Config(); cfg.WebhookSecret == "" {
		log.Printf("WARNING: no Stripe webhook secret configured for %q, webhooks will be rejected", cfg.Environment)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "PaperFox",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:       billingService,
		Notifications: queue,
		Webhooks:      counter.New(cache.GetClient()),
	})

	return app, queue
}
