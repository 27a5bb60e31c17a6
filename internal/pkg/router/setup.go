package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PaperFox/app/controllers"
	"github.com/ManuelReschke/PaperFox/internal/pkg/billing"
	"github.com/ManuelReschke/PaperFox/internal/pkg/metrics/counter"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the long-lived services the controllers are built from.
type Dependencies struct {
	Billing       *billing.Service
	Notifications controllers.NotificationStats
	Webhooks      *counter.Counter
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Install HttpRouter first to initialize the session store, the controllers
	// and the global UserContext middleware. API routes depend on that middleware.
	setup(app, NewHttpRouter(deps), NewApiRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
