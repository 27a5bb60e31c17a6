package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaperFox/app/models"
)

// SubscriptionStatus returns the billing view for a user, refreshing the cached
// projection from the provider when it looks incomplete. It never fails: any
// error degrades to the stored values or to the free/inactive default.
func (s *Service) SubscriptionStatus(ctx context.Context, userID uint) StatusView {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorf("[Billing] Failed to load user %d for status read: %v", userID, err)
		}
		return DefaultStatusView()
	}
	if user.IsAdmin() {
		return adminStatusView()
	}

	cancelAtPeriodEnd := false
	switch {
	case user.SubscriptionStatus == models.SubscriptionStatusActive &&
		user.SubscriptionCurrentPeriodEnd == nil && user.SubscriptionID() != "":
		snap, err := s.provider.GetSubscription(ctx, user.SubscriptionID())
		if err != nil {
			log.Warnf("[Billing] Period-end refresh for user %d failed: %v", user.ID, err)
			break
		}
		if err := s.refreshFromSnapshot(ctx, user, snap); err != nil {
			log.Errorf("[Billing] Persisting refreshed subscription for user %d failed: %v", user.ID, err)
		}
		cancelAtPeriodEnd = snap.CancelAtPeriodEnd
	case user.SubscriptionID() != "":
		snap, err := s.provider.GetSubscription(ctx, user.SubscriptionID())
		if err != nil {
			log.Warnf("[Billing] Status drift check for user %d failed: %v", user.ID, err)
			break
		}
		cancelAtPeriodEnd = snap.CancelAtPeriodEnd
		if status := normalizeStatus(snap.Status); status != user.SubscriptionStatus {
			if err := s.repo.UpdateSubscriptionStatus(user.ID, status); err != nil {
				log.Errorf("[Billing] Persisting status drift for user %d failed: %v", user.ID, err)
			} else {
				log.Infof("[Billing] User %d status drift %s -> %s", user.ID, user.SubscriptionStatus, status)
				user.SubscriptionStatus = status
			}
		}
	}

	return s.viewOf(user, cancelAtPeriodEnd)
}

// Resync forces a full provider fetch for the user's stored subscription and
// persists the result. Unlike SubscriptionStatus, failures are returned.
func (s *Service) Resync(ctx context.Context, userID uint) (StatusView, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return DefaultStatusView(), err
	}
	if user.IsAdmin() {
		return adminStatusView(), nil
	}
	if user.SubscriptionID() == "" {
		return s.viewOf(user, false), nil
	}

	snap, err := s.provider.GetSubscription(ctx, user.SubscriptionID())
	if err != nil {
		return s.viewOf(user, false), fmt.Errorf("fetch subscription %s: %w", user.SubscriptionID(), err)
	}
	if err := s.refreshFromSnapshot(ctx, user, snap); err != nil {
		return s.viewOf(user, false), err
	}
	return s.viewOf(user, snap.CancelAtPeriodEnd), nil
}

// refreshFromSnapshot projects snap and mirrors the written values onto user.
func (s *Service) refreshFromSnapshot(ctx context.Context, user *models.User, snap *SubscriptionSnapshot) error {
	_, next, err := s.projector.Apply(ctx, user, *snap)
	if err != nil {
		return err
	}
	user.SubscriptionPlan = next.Plan
	user.SubscriptionStatus = next.Status
	user.SubscriptionCurrentPeriodEnd = next.CurrentPeriodEnd
	user.StripeCustomerID = stringPtr(next.CustomerID)
	user.StripeSubscriptionID = stringPtr(next.SubscriptionID)
	return nil
}

// viewOf renders the stored projection. An active subscription whose period
// already ended reads as free/inactive; the row itself is left for the webhook.
func (s *Service) viewOf(user *models.User, cancelAtPeriodEnd bool) StatusView {
	view := StatusView{
		Plan:                 user.SubscriptionPlan,
		Status:               normalizeStatus(user.SubscriptionStatus),
		CurrentPeriodEnd:     formatTimePtr(user.SubscriptionCurrentPeriodEnd),
		CancelAtPeriodEnd:    cancelAtPeriodEnd,
		StripeCustomerID:     stringPtr(user.CustomerID()),
		StripeSubscriptionID: stringPtr(user.SubscriptionID()),
	}
	if view.Plan == "" {
		view.Plan = models.PlanFree
	}

	end := user.SubscriptionCurrentPeriodEnd
	if view.Status == models.SubscriptionStatusActive && end != nil && end.Before(s.now()) {
		view.Plan = models.PlanFree
		view.Status = models.SubscriptionStatusInactive
	}
	return view
}

func adminStatusView() StatusView {
	return StatusView{
		Plan:    models.PlanPro,
		Status:  models.SubscriptionStatusActive,
		IsAdmin: true,
	}
}
