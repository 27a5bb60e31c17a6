package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/PaperFox/app/models"
	"github.com/ManuelReschke/PaperFox/internal/pkg/notify"
)

// Handled event types.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventCheckoutSessionComplete = "checkout.session.completed"
)

// ConstructEvent verifies the Stripe-Signature header against the configured
// secret and reduces the event to what dispatch needs.
func (s *Service) ConstructEvent(payload []byte, sigHeader string) (Event, error) {
	if s.cfg.WebhookSecret == "" {
		return Event{}, ErrWebhookSecretMissing
	}
	if strings.TrimSpace(sigHeader) == "" {
		return Event{}, ErrInvalidSignature
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.cfg.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}
	return out, nil
}

// HandleWebhook verifies a delivery, records it in the event ledger and
// dispatches it. Redeliveries of events that already succeeded are acked
// without reprocessing.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (WebhookResult, error) {
	evt, err := s.ConstructEvent(payload, sigHeader)
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: evt.ID, EventType: evt.Type}

	created, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		PayloadJSON:     string(payload),
	})
	if err != nil {
		// Handlers are replay-safe without a ledger row.
		log.Warnf("[Billing] Could not record webhook event %s: %v", evt.ID, err)
		stored = nil
	}
	if stored != nil && !created && stored.AlreadyHandled() {
		log.Infof("[Billing] Duplicate delivery of %s (%s), skipping", evt.ID, evt.Type)
		result.Duplicate = true
		return result, nil
	}

	dispatchErr := s.Dispatch(ctx, evt)
	if stored != nil {
		if err := s.MarkWebhookProcessed(ctx, stored.ID, dispatchErr); err != nil {
			log.Warnf("[Billing] Could not mark webhook event %s processed: %v", evt.ID, err)
		}
	}
	if dispatchErr != nil {
		return result, fmt.Errorf("process %s (%s): %w", evt.ID, evt.Type, dispatchErr)
	}
	return result, nil
}

// Dispatch routes a verified event to its handler. Unknown types are acked.
func (s *Service) Dispatch(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventSubscriptionCreated:
		return s.handleSubscriptionUpsert(ctx, evt, false)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpsert(ctx, evt, true)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, evt)
	case EventInvoicePaymentSucceeded:
		return s.handleInvoicePaymentSucceeded(ctx, evt)
	case EventInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, evt)
	case EventCheckoutSessionComplete:
		return s.handleCheckoutSessionCompleted(ctx, evt)
	default:
		log.Debugf("[Billing] Ignoring event %s (%s)", evt.ID, evt.Type)
		return nil
	}
}

// skipMalformed reports payload decode failures as handled: a redelivery would
// carry the same bytes.
func skipMalformed(evt Event, err error) error {
	log.Warnf("[Billing] Skipping %s (%s): %v", evt.ID, evt.Type, err)
	return nil
}

func (s *Service) handleSubscriptionUpsert(ctx context.Context, evt Event, isUpdate bool) error {
	snap, err := decodeSubscription(evt.Object)
	if err != nil {
		return skipMalformed(evt, err)
	}

	match, err := s.resolveUserByCustomer(ctx, snap.CustomerID)
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", snap.CustomerID, err)
	}
	if !match.Found() {
		return nil
	}

	prev, next, err := s.projector.Apply(ctx, match.User, *snap)
	if err != nil {
		return err
	}
	log.Infof("[Billing] User %d subscription %s: plan=%s status=%s", match.User.ID, snap.ID, next.Plan, next.Status)

	if !isUpdate || next.Status != models.SubscriptionStatusActive {
		return nil
	}
	var kind notify.Kind
	switch ClassifyPlanChange(prev.Plan, next.Plan) {
	case PlanChangeUpgrade:
		kind = notify.KindUpgrade
	case PlanChangeLateral:
		kind = notify.KindPlanChange
	default:
		return nil
	}
	intent := newIntent(kind, match.User, next)
	intent.PreviousPlan = prev.Plan
	s.notifySafely(ctx, intent)
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, evt Event) error {
	snap, err := decodeSubscription(evt.Object)
	if err != nil {
		return skipMalformed(evt, err)
	}

	// Resolve before the reset so the notification still sees the canceled plan.
	match, resolveErr := s.resolveUserByCustomer(ctx, snap.CustomerID)

	n, err := s.projector.Cancel(ctx, snap.ID)
	if err != nil {
		return err
	}
	log.Infof("[Billing] Subscription %s deleted, reset %d user(s)", snap.ID, n)

	if resolveErr != nil {
		return fmt.Errorf("resolve customer %s: %w", snap.CustomerID, resolveErr)
	}
	if !match.Found() {
		return nil
	}
	// Rows still pointing at this subscription were reset above. A user that
	// lost its subscription reference is reset too; one on a newer
	// subscription is left alone.
	if match.User.SubscriptionID() == "" {
		if err := s.projector.CancelUser(ctx, match.User.ID); err != nil {
			return err
		}
	}

	intent := newIntent(notify.KindCancellation, match.User, Projection{Plan: models.PlanFree})
	intent.PreviousPlan = canceledPlan(match.User, snap)
	intent.AccessEnd = snap.PeriodEnd()
	s.notifySafely(ctx, intent)
	return nil
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, evt Event) error {
	inv, err := decodeInvoice(evt.Object)
	if err != nil {
		return skipMalformed(evt, err)
	}
	subID := inv.SubscriptionID()
	if subID == "" || inv.Customer.ID == "" {
		log.Infof("[Billing] Invoice %s without subscription or customer, skipping", inv.ID)
		return nil
	}

	snap, err := s.provider.GetSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", subID, err)
	}
	if snap.CustomerID == "" {
		snap.CustomerID = inv.Customer.ID
	}

	match, err := s.resolveUserByCustomer(ctx, inv.Customer.ID)
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", inv.Customer.ID, err)
	}
	if !match.Found() {
		return nil
	}

	_, next, err := s.projector.Apply(ctx, match.User, *snap, ForceStatus(models.SubscriptionStatusActive))
	if err != nil {
		return err
	}

	intent := newIntent(notify.KindPaymentConfirmation, match.User, next)
	intent.Amount = int64(inv.AmountPaid)
	intent.Currency = inv.Currency
	s.notifySafely(ctx, intent)
	return nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, evt Event) error {
	inv, err := decodeInvoice(evt.Object)
	if err != nil {
		return skipMalformed(evt, err)
	}
	subID := inv.SubscriptionID()
	if subID == "" {
		log.Infof("[Billing] Failed invoice %s without subscription, skipping", inv.ID)
		return nil
	}

	n, err := s.projector.MarkPastDue(ctx, subID)
	if err != nil {
		return err
	}
	log.Infof("[Billing] Subscription %s past due, updated %d user(s)", subID, n)
	return nil
}

func (s *Service) handleCheckoutSessionCompleted(ctx context.Context, evt Event) error {
	cs, err := decodeCheckoutSession(evt.Object)
	if err != nil {
		return skipMalformed(evt, err)
	}
	if cs.Customer.ID == "" || cs.Subscription.ID == "" {
		log.Infof("[Billing] Checkout session %s without customer or subscription, skipping", cs.ID)
		return nil
	}

	match, err := s.resolveUserByCustomer(ctx, cs.Customer.ID)
	if err != nil {
		return fmt.Errorf("resolve customer %s: %w", cs.Customer.ID, err)
	}
	if !match.Found() {
		return nil
	}

	snap, err := s.provider.GetSubscription(ctx, cs.Subscription.ID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", cs.Subscription.ID, err)
	}
	if snap.CustomerID == "" {
		snap.CustomerID = cs.Customer.ID
	}

	_, next, err := s.projector.Apply(ctx, match.User, *snap)
	if err != nil {
		return err
	}

	intent := newIntent(notify.KindPaymentConfirmation, match.User, next)
	intent.Amount = int64(cs.AmountTotal)
	intent.Currency = cs.Currency
	s.notifySafely(ctx, intent)
	return nil
}

// canceledPlan names the plan a deleted subscription carried. The stored plan
// is used while the row still describes that subscription.
func canceledPlan(user *models.User, snap *SubscriptionSnapshot) string {
	sid := user.SubscriptionID()
	if (sid == snap.ID || sid == "") && user.SubscriptionPlan != models.PlanFree && user.SubscriptionPlan != "" {
		return user.SubscriptionPlan
	}
	return snap.PlanName()
}

func newIntent(kind notify.Kind, user *models.User, p Projection) notify.Intent {
	return notify.Intent{
		Kind:      kind,
		Recipient: user.Email,
		Name:      user.Name,
		Plan:      p.Plan,
		PeriodEnd: p.CurrentPeriodEnd,
		CreatedAt: time.Now(),
	}
}
