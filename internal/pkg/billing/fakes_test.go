package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaperFox/app/models"
	"github.com/ManuelReschke/PaperFox/internal/pkg/notify"
)

const testWebhookSecret = "whsec_test_secret"

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// fakeRepo is an in-memory Repository mirroring the GORM semantics the
// service relies on (ErrRecordNotFound, NULL-able references).
type fakeRepo struct {
	mu          sync.Mutex
	users       map[uint]*models.User
	events      map[string]*models.BillingWebhookEvent
	nextEventID uint

	projectionWrites int
	statusWrites     int
	writeErr         error
	lookupErr        error
	ledgerErr        error
}

func newFakeRepo(users ...*models.User) *fakeRepo {
	r := &fakeRepo{
		users:  make(map[uint]*models.User),
		events: make(map[string]*models.BillingWebhookEvent),
	}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

// user returns a copy of the stored row.
func (r *fakeRepo) user(id uint) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.users[id]
}

func (r *fakeRepo) GetUserByID(userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) GetUserByEmail(email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpdateSubscriptionProjection(userID uint, p Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	r.projectionWrites++
	u.SubscriptionPlan = p.Plan
	u.SubscriptionStatus = p.Status
	u.SubscriptionCurrentPeriodEnd = p.CurrentPeriodEnd
	u.StripeCustomerID = stringPtr(p.CustomerID)
	u.StripeSubscriptionID = stringPtr(p.SubscriptionID)
	return nil
}

func (r *fakeRepo) UpdateSubscriptionStatus(userID uint, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	if u, ok := r.users[userID]; ok {
		r.statusWrites++
		u.SubscriptionStatus = status
	}
	return nil
}

func (r *fakeRepo) SetStatusBySubscriptionID(subscriptionID, status string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	var n int64
	for _, u := range r.users {
		if u.SubscriptionID() == subscriptionID {
			u.SubscriptionStatus = status
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ResetBySubscriptionID(subscriptionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	var n int64
	for _, u := range r.users {
		if u.SubscriptionID() == subscriptionID {
			resetUser(u)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ResetUser(userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	if u, ok := r.users[userID]; ok {
		resetUser(u)
	}
	return nil
}

func resetUser(u *models.User) {
	u.SubscriptionPlan = models.PlanFree
	u.SubscriptionStatus = models.SubscriptionStatusCanceled
	u.StripeSubscriptionID = nil
	u.SubscriptionCurrentPeriodEnd = nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ledgerErr != nil {
		return false, nil, r.ledgerErr
	}
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextEventID++
	event.ID = r.nextEventID
	stored := *event
	r.events[key] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
		}
	}
	return nil
}

type fakeProvider struct {
	mu            sync.Mutex
	customers     map[string]*Customer
	subscriptions map[string]*SubscriptionSnapshot
	err           error
	customerCalls int
	subCalls      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers:     make(map[string]*Customer),
		subscriptions: make(map[string]*SubscriptionSnapshot),
	}
}

func (p *fakeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customerCalls++
	if p.err != nil {
		return nil, p.err
	}
	c, ok := p.customers[customerID]
	if !ok {
		return nil, errors.New("no such customer: " + customerID)
	}
	cp := *c
	return &cp, nil
}

func (p *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subCalls++
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, errors.New("no such subscription: " + subscriptionID)
	}
	cp := *s
	return &cp, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.customerCalls + p.subCalls
}

type fakeNotifier struct {
	mu      sync.Mutex
	intents []notify.Intent
	err     error
}

func (n *fakeNotifier) Notify(ctx context.Context, intent notify.Intent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intents = append(n.intents, intent)
	return n.err
}

func (n *fakeNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.intents))
	for _, i := range n.intents {
		out = append(out, i.Kind)
	}
	return out
}

type fixture struct {
	repo     *fakeRepo
	provider *fakeProvider
	notifier *fakeNotifier
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T, users ...*models.User) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newFakeRepo(users...),
		provider: newFakeProvider(),
		notifier: &fakeNotifier{},
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{WebhookSecret: testWebhookSecret, Environment: "dev", WebhookTolerance: defaultWebhookTolerance}
	f.svc = NewService(f.repo, f.provider, cfg,
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func testUser(id uint, email string) *models.User {
	return &models.User{
		ID:                 id,
		Name:               "Test User",
		Email:              email,
		Role:               models.ROLE_USER,
		Status:             models.STATUS_ACTIVE,
		SubscriptionPlan:   models.PlanFree,
		SubscriptionStatus: models.SubscriptionStatusInactive,
	}
}

// eventJSON builds a provider event envelope around object.
func eventJSON(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"created":     1700000000,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func sign(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func rawEvent(t *testing.T, id, eventType string, object any) Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return Event{ID: id, Type: eventType, Object: raw}
}

func subscriptionObject(id, customer, status, interval string, periodEnd int64) map[string]any {
	item := map[string]any{
		"quantity": 1,
		"price": map[string]any{
			"lookup_key": nil,
			"recurring":  map[string]any{"interval": interval},
		},
	}
	obj := map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": false,
		"items":                map[string]any{"data": []any{item}},
	}
	if periodEnd > 0 {
		obj["current_period_end"] = periodEnd
	}
	return obj
}
