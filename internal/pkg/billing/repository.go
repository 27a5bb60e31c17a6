package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PaperFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetUserByID(userID uint) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	UpdateSubscriptionProjection(userID uint, p Projection) error
	UpdateSubscriptionStatus(userID uint, status string) error
	SetStatusBySubscriptionID(subscriptionID, status string) (int64, error)
	ResetBySubscriptionID(subscriptionID string) (int64, error)
	ResetUser(userID uint) error
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) UpdateSubscriptionProjection(userID uint, p Projection) error {
	updates := map[string]interface{}{
		"subscription_plan":               p.Plan,
		"subscription_status":             p.Status,
		"subscription_current_period_end": p.CurrentPeriodEnd,
		"stripe_customer_id":              stringPtr(p.CustomerID),
		"stripe_subscription_id":          stringPtr(p.SubscriptionID),
	}
	return r.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *gormRepository) UpdateSubscriptionStatus(userID uint, status string) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("subscription_status", status).Error
}

func (r *gormRepository) SetStatusBySubscriptionID(subscriptionID, status string) (int64, error) {
	tx := r.db.Model(&models.User{}).
		Where("stripe_subscription_id = ?", subscriptionID).
		Update("subscription_status", status)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) ResetBySubscriptionID(subscriptionID string) (int64, error) {
	tx := r.db.Model(&models.User{}).
		Where("stripe_subscription_id = ?", subscriptionID).
		Updates(canceledColumns())
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) ResetUser(userID uint) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).Updates(canceledColumns()).Error
}

// canceledColumns uses a map so NULLs are written; struct updates skip zero values.
func canceledColumns() map[string]interface{} {
	return map[string]interface{}{
		"subscription_plan":               models.PlanFree,
		"subscription_status":             models.SubscriptionStatusCanceled,
		"stripe_subscription_id":          nil,
		"subscription_current_period_end": nil,
	}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
