package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PaperFox/app/controllers"
	"github.com/ManuelReschke/PaperFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PaperFox/internal/pkg/session"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	if session.GetSessionStore() == nil {
		session.NewSessionStore()
	}

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	var (
		counters controllers.WebhookCounter
		webhooks controllers.WebhookStats
	)
	if h.deps.Webhooks != nil {
		counters, webhooks = h.deps.Webhooks, h.deps.Webhooks
	}
	controllers.InitializeBillingController(h.deps.Billing, counters)
	controllers.InitializeAuthController()
	controllers.InitializeAdminBillingController(h.deps.Notifications, webhooks)

	// Provider callbacks are authenticated by signature, not by session.
	app.Post("/webhooks/stripe", controllers.HandleStripeWebhook)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
