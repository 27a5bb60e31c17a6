package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	fsession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PaperFox/app/repository"
	"github.com/ManuelReschke/PaperFox/internal/pkg/billing"
	"github.com/ManuelReschke/PaperFox/internal/pkg/session"
)

func newRoutedApp(t *testing.T) *fiber.App {
	t.Helper()
	session.UseStore(fsession.New())
	repository.InitializeFactory(nil)

	svc := billing.NewService(nil, nil, billing.Config{WebhookSecret: "whsec_router"})
	app := fiber.New()
	InstallRouter(app, Dependencies{Billing: svc})
	return app
}

func TestInstalledRoutes(t *testing.T) {
	app := newRoutedApp(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"api index", http.MethodGet, "/api/", fiber.StatusOK},
		{"webhook without signature", http.MethodPost, "/webhooks/stripe", fiber.StatusBadRequest},
		{"status requires session", http.MethodGet, "/api/v1/billing/status", fiber.StatusUnauthorized},
		{"resync requires session", http.MethodPost, "/api/v1/billing/resync", fiber.StatusUnauthorized},
		{"admin stats requires session", http.MethodGet, "/api/v1/admin/billing/stats", fiber.StatusUnauthorized},
		{"admin counter reset requires session", http.MethodDelete, "/api/v1/admin/billing/stats/webhooks", fiber.StatusUnauthorized},
		{"logout without session", http.MethodPost, "/api/v1/auth/logout", fiber.StatusNoContent},
		{"unknown route", http.MethodGet, "/nope", fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
