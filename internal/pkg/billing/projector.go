package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuelReschke/PaperFox/app/models"
)

// Projector writes the local subscription projection. Every write is
// set-absolute, so replaying the same snapshot leaves the same row.
type Projector struct {
	repo Repository
}

func NewProjector(repo Repository) *Projector {
	return &Projector{repo: repo}
}

type projectOptions struct {
	forceStatus string
}

// ProjectOption adjusts a single Apply call.
type ProjectOption func(*projectOptions)

// ForceStatus overrides the snapshot status, e.g. after a successful payment.
func ForceStatus(status string) ProjectOption {
	return func(o *projectOptions) { o.forceStatus = status }
}

// Apply projects snap onto the user and returns the previous and the new
// projection. Ids missing from the snapshot keep their stored values.
func (p *Projector) Apply(ctx context.Context, user *models.User, snap SubscriptionSnapshot, opts ...ProjectOption) (Projection, Projection, error) {
	_ = ctx
	var o projectOptions
	for _, opt := range opts {
		opt(&o)
	}

	prev := ProjectionOf(user)
	next := Projection{
		Plan:             snap.PlanName(),
		Status:           normalizeStatus(snap.Status),
		CurrentPeriodEnd: snap.PeriodEnd(),
		CustomerID:       strings.TrimSpace(snap.CustomerID),
		SubscriptionID:   strings.TrimSpace(snap.ID),
	}
	if o.forceStatus != "" {
		next.Status = o.forceStatus
	}
	if next.CustomerID == "" {
		next.CustomerID = prev.CustomerID
	}
	if next.SubscriptionID == "" {
		next.SubscriptionID = prev.SubscriptionID
	}

	if err := p.repo.UpdateSubscriptionProjection(user.ID, next); err != nil {
		return prev, prev, fmt.Errorf("project subscription %s onto user %d: %w", snap.ID, user.ID, err)
	}
	return prev, next, nil
}

// MarkPastDue flags every user referencing subscriptionID as past due. Plan and
// period end stay untouched.
func (p *Projector) MarkPastDue(ctx context.Context, subscriptionID string) (int64, error) {
	_ = ctx
	if strings.TrimSpace(subscriptionID) == "" {
		return 0, ErrMissingReference
	}
	n, err := p.repo.SetStatusBySubscriptionID(subscriptionID, models.SubscriptionStatusPastDue)
	if err != nil {
		return 0, fmt.Errorf("mark subscription %s past due: %w", subscriptionID, err)
	}
	return n, nil
}

// Cancel resets every user referencing subscriptionID to free/canceled and
// clears the subscription id and period end.
func (p *Projector) Cancel(ctx context.Context, subscriptionID string) (int64, error) {
	_ = ctx
	if strings.TrimSpace(subscriptionID) == "" {
		return 0, ErrMissingReference
	}
	n, err := p.repo.ResetBySubscriptionID(subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return n, nil
}

// CancelUser applies the same reset as Cancel to a single user.
func (p *Projector) CancelUser(ctx context.Context, userID uint) error {
	_ = ctx
	if err := p.repo.ResetUser(userID); err != nil {
		return fmt.Errorf("cancel subscription for user %d: %w", userID, err)
	}
	return nil
}
