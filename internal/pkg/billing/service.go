package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaperFox/app/models"
	"github.com/ManuelReschke/PaperFox/internal/pkg/notify"
)

// Notifier accepts notification intents. Implementations may queue or send
// directly; the billing flow never depends on the outcome.
type Notifier interface {
	Notify(ctx context.Context, intent notify.Intent) error
}

// Service ties the webhook receiver, the state projector and the read-side
// reconciler to one repository and one provider client.
type Service struct {
	repo      Repository
	provider  Provider
	notifier  Notifier
	cfg       Config
	projector *Projector
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier routes notification intents to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source used for period-end expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, provider Provider, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		provider:  provider,
		cfg:       cfg,
		projector: NewProjector(repo),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle and a
// Stripe client built from cfg.
func NewServiceFromDB(db *gorm.DB, cfg Config, opts ...Option) *Service {
	return NewService(NewRepository(db), NewStripeProvider(cfg), cfg, opts...)
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config {
	return s.cfg
}

// Match is the outcome of resolving a provider customer to a local user.
type Match struct {
	User *models.User
}

// Found reports whether a local user matched.
func (m Match) Found() bool {
	return m.User != nil
}

// resolveUserByCustomer fetches the provider customer and looks the user up by
// email. A deleted customer, a customer without email, or no local row are all
// unmatched outcomes, not errors.
func (s *Service) resolveUserByCustomer(ctx context.Context, customerID string) (Match, error) {
	if strings.TrimSpace(customerID) == "" {
		return Match{}, nil
	}
	customer, err := s.provider.GetCustomer(ctx, customerID)
	if err != nil {
		return Match{}, err
	}
	if customer == nil || customer.Deleted || customer.Email == "" {
		log.Infof("[Billing] Customer %s has no usable email, skipping", customerID)
		return Match{}, nil
	}

	user, err := s.repo.GetUserByEmail(customer.Email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Infof("[Billing] No local user for customer %s (%s)", customerID, customer.Email)
			return Match{}, nil
		}
		return Match{}, err
	}
	return Match{User: user}, nil
}

// notifySafely is the error boundary around notification side effects.
func (s *Service) notifySafely(ctx context.Context, intent notify.Intent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, intent); err != nil {
		log.Errorf("[Billing] Failed to enqueue %s notification for %s: %v", intent.Kind, intent.Recipient, err)
	}
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}
