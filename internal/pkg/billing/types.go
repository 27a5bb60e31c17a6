package billing

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/PaperFox/app/models"
)

// SubscriptionItem is the part of a provider line item that plan derivation needs.
type SubscriptionItem struct {
	Quantity         int64
	Deleted          bool
	LookupKey        string
	Interval         string
	CurrentPeriodEnd *time.Time
}

// SubscriptionSnapshot is the provider-agnostic view of a subscription object,
// decoded either from a webhook payload or from a direct provider fetch.
type SubscriptionSnapshot struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	Items             []SubscriptionItem
}

// PlanName derives the local plan name from the snapshot's line items.
func (s *SubscriptionSnapshot) PlanName() string {
	return DerivePlanName(s.Items)
}

// PeriodEnd prefers the subscription-level period end and falls back to the
// first item carrying one (newer API versions only set it per item).
func (s *SubscriptionSnapshot) PeriodEnd() *time.Time {
	if s.CurrentPeriodEnd != nil {
		return s.CurrentPeriodEnd
	}
	for _, it := range s.Items {
		if it.Quantity > 0 && !it.Deleted && it.CurrentPeriodEnd != nil {
			return it.CurrentPeriodEnd
		}
	}
	for _, it := range s.Items {
		if it.CurrentPeriodEnd != nil {
			return it.CurrentPeriodEnd
		}
	}
	return nil
}

// Customer is the provider customer fields used to resolve local users.
type Customer struct {
	ID      string
	Email   string
	Deleted bool
}

// Event is a verified provider event reduced to what dispatch needs.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// Projection is the set of cached subscription fields on a user row.
type Projection struct {
	Plan             string
	Status           string
	CurrentPeriodEnd *time.Time
	CustomerID       string
	SubscriptionID   string
}

// ProjectionOf reads the cached subscription fields from a user.
func ProjectionOf(u *models.User) Projection {
	return Projection{
		Plan:             u.SubscriptionPlan,
		Status:           u.SubscriptionStatus,
		CurrentPeriodEnd: u.SubscriptionCurrentPeriodEnd,
		CustomerID:       u.CustomerID(),
		SubscriptionID:   u.SubscriptionID(),
	}
}

// StatusView is the billing status returned to authenticated clients.
type StatusView struct {
	Plan                 string  `json:"plan"`
	Status               string  `json:"status"`
	CurrentPeriodEnd     *string `json:"currentPeriodEnd"`
	CancelAtPeriodEnd    bool    `json:"cancelAtPeriodEnd"`
	StripeCustomerID     *string `json:"stripeCustomerId"`
	StripeSubscriptionID *string `json:"stripeSubscriptionId"`
	IsAdmin              bool    `json:"isAdmin"`
}

// DefaultStatusView is the projection for users without any billing state.
func DefaultStatusView() StatusView {
	return StatusView{
		Plan:   models.PlanFree,
		Status: models.SubscriptionStatusInactive,
	}
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
}

// WebhookResult describes how a delivery was acknowledged.
type WebhookResult struct {
	EventID   string
	EventType string
	Duplicate bool
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
