package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PaperFox/app/controllers"
	"github.com/ManuelReschke/PaperFox/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	auth := v1.Group("/auth")
	auth.Post("/register", controllers.HandleAuthRegister)
	auth.Post("/login", controllers.HandleAuthLogin)
	auth.Post("/logout", controllers.HandleAuthLogout)

	billing := v1.Group("/billing", middleware.RequireAPISessionAuth)
	billing.Get("/status", controllers.HandleBillingStatus)
	billing.Post("/resync", controllers.HandleBillingResync)

	admin := v1.Group("/admin", middleware.RequireAPIAdmin)
	admin.Get("/billing/stats", controllers.HandleAdminBillingStats)
	admin.Delete("/billing/stats/webhooks", controllers.HandleAdminResetWebhookStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
