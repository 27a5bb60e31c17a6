package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaperFox/app/repository"
	"github.com/ManuelReschke/PaperFox/internal/pkg/notify"
	"github.com/ManuelReschke/PaperFox/internal/pkg/usercontext"
)

// NotificationStats is the read side of the notification queue.
type NotificationStats interface {
	GetStats(ctx context.Context) (*notify.Stats, error)
}

// WebhookStats reads and clears the webhook counters.
type WebhookStats interface {
	WebhookCounts(ctx context.Context) (map[string]map[string]int64, error)
	Reset(ctx context.Context) error
}

// AdminBillingController exposes subscription, webhook and notification counters to admins
type AdminBillingController struct {
	users    repository.UserRepository
	queue    NotificationStats
	webhooks WebhookStats
}

// NewAdminBillingController creates a new admin billing controller. queue and
// webhooks may be nil.
func NewAdminBillingController(users repository.UserRepository, queue NotificationStats, webhooks WebhookStats) *AdminBillingController {
	return &AdminBillingController{users: users, queue: queue, webhooks: webhooks}
}

// HandleStats returns user counts per subscription status and queue counters.
func (abc *AdminBillingController) HandleStats(c *fiber.Ctx) error {
	total, err := abc.users.Count()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to count users")
	}
	byStatus, err := abc.users.CountBySubscriptionStatus()
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to group users")
	}

	response := fiber.Map{
		"users": fiber.Map{
			"total":                  total,
			"by_subscription_status": byStatus,
		},
		"notifications": nil,
		"webhooks":      nil,
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if abc.webhooks != nil {
		counts, err := abc.webhooks.WebhookCounts(ctx)
		if err != nil {
			log.Warnf("[Billing] Could not read webhook counters: %v", err)
		} else {
			response["webhooks"] = counts
		}
	}

	if abc.queue != nil {
		stats, err := abc.queue.GetStats(ctx)
		if err != nil {
			log.Warnf("[Notify] Could not read queue stats: %v", err)
		} else {
			response["notifications"] = stats
		}
	}

	return c.JSON(response)
}

// HandleResetWebhookStats clears the webhook counters, e.g. after a secret
// rotation left a burst of rejected deliveries behind.
func (abc *AdminBillingController) HandleResetWebhookStats(c *fiber.Ctx) error {
	if abc.webhooks == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "not_configured", "webhook counters are not configured")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := abc.webhooks.Reset(ctx); err != nil {
		log.Errorf("[Billing] Could not reset webhook counters: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to reset webhook counters")
	}
	log.Infof("[Billing] Webhook counters reset by user %d", usercontext.GetUserContext(c).UserID)
	return c.SendStatus(fiber.StatusNoContent)
}

var adminBillingController *AdminBillingController

// InitializeAdminBillingController initializes the global admin billing controller
func InitializeAdminBillingController(queue NotificationStats, webhooks WebhookStats) {
	users := repository.GetGlobalFactory().GetUserRepository()
	adminBillingController = NewAdminBillingController(users, queue, webhooks)
}

// GetAdminBillingController returns the global admin billing controller instance
func GetAdminBillingController() *AdminBillingController {
	return adminBillingController
}

// HandleAdminBillingStats - Adapter for the admin stats endpoint
func HandleAdminBillingStats(c *fiber.Ctx) error {
	return GetAdminBillingController().HandleStats(c)
}

// HandleAdminResetWebhookStats - Adapter for the webhook counter reset endpoint
func HandleAdminResetWebhookStats(c *fiber.Ctx) error {
	return GetAdminBillingController().HandleResetWebhookStats(c)
}
