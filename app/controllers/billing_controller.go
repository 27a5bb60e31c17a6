package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PaperFox/internal/pkg/billing"
	"github.com/ManuelReschke/PaperFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PaperFox/internal/pkg/usercontext"
)

// MaxWebhookBodyBytes is the largest webhook payload accepted.
const MaxWebhookBodyBytes = 64 * 1024

// StripeSignatureHeader carries the provider's payload signature.
const StripeSignatureHeader = "Stripe-Signature"

// ============================================================================
// BILLING CONTROLLER
// ============================================================================

// WebhookCounter records webhook delivery outcomes.
type WebhookCounter interface {
	AddWebhook(ctx context.Context, eventType, outcome string) error
}

// BillingController serves the Stripe webhook and the subscription status API
type BillingController struct {
	svc      *billing.Service
	counters WebhookCounter
}

// NewBillingController creates a billing controller around svc. counters may be nil.
func NewBillingController(svc *billing.Service, counters WebhookCounter) *BillingController {
	return &BillingController{svc: svc, counters: counters}
}

func (bc *BillingController) count(ctx context.Context, eventType, outcome string) {
	if bc.counters == nil {
		return
	}
	if err := bc.counters.AddWebhook(ctx, eventType, outcome); err != nil {
		log.Warnf("[Billing] Could not update webhook counters: %v", err)
	}
}

// HandleWebhook verifies and processes a Stripe event delivery.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	if len(c.Body()) > MaxWebhookBodyBytes {
		return jsonError(c, fiber.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds limit")
	}
	rawBody := append([]byte(nil), c.Body()...)
	signature := c.Get(StripeSignatureHeader)

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := bc.svc.HandleWebhook(ctx, rawBody, signature)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrWebhookSecretMissing):
		log.Error("[Billing] Webhook received but no webhook secret is configured")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_not_configured"})
	case errors.Is(err, billing.ErrInvalidSignature):
		bc.count(ctx, "", counter.OutcomeRejected)
		log.Warnf("[Billing] Rejected webhook from %s: %v", GetClientIP(c), err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	default:
		bc.count(ctx, result.EventType, counter.OutcomeFailed)
		log.Errorf("[Billing] Webhook processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	response := fiber.Map{"received": true}
	if result.Duplicate {
		response["duplicate"] = true
		bc.count(ctx, result.EventType, counter.OutcomeDuplicate)
	} else {
		bc.count(ctx, result.EventType, counter.OutcomeProcessed)
	}
	return c.Status(fiber.StatusOK).JSON(response)
}

// HandleStatus returns the reconciled subscription view of the session user.
func (bc *BillingController) HandleStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "login required")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	return c.JSON(bc.svc.SubscriptionStatus(ctx, userCtx.UserID))
}

// HandleResync forces a full provider fetch for the session user.
func (bc *BillingController) HandleResync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "login required")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := bc.svc.Resync(ctx, userCtx.UserID)
	if err != nil {
		log.Errorf("[Billing] Resync for user %d failed: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusBadGateway, "resync_failed", "subscription could not be refreshed")
	}
	return c.JSON(view)
}

// ============================================================================
// GLOBAL BILLING CONTROLLER INSTANCE
// ============================================================================

var billingController *BillingController

// InitializeBillingController sets the global billing controller
func InitializeBillingController(svc *billing.Service, counters WebhookCounter) {
	billingController = NewBillingController(svc, counters)
}

// GetBillingController returns the global billing controller instance
func GetBillingController() *BillingController {
	return billingController
}

// HandleStripeWebhook - Adapter for the Stripe webhook endpoint
func HandleStripeWebhook(c *fiber.Ctx) error {
	return GetBillingController().HandleWebhook(c)
}

// HandleBillingStatus - Adapter for the subscription status endpoint
func HandleBillingStatus(c *fiber.Ctx) error {
	return GetBillingController().HandleStatus(c)
}

// HandleBillingResync - Adapter for the forced resync endpoint
func HandleBillingResync(c *fiber.Ctx) error {
	return GetBillingController().HandleResync(c)
}
