package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fsession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PaperFox/app/models"
	"github.com/ManuelReschke/PaperFox/internal/pkg/billing"
	"github.com/ManuelReschke/PaperFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PaperFox/internal/pkg/notify"
	"github.com/ManuelReschke/PaperFox/internal/pkg/session"
)

const testSecret = "whsec_controller_test"

// memUsers backs both the account repository and the billing repository.
type memUsers struct {
	mu     sync.Mutex
	users  map[uint]*models.User
	nextID uint
	events map[string]*models.BillingWebhookEvent
}

func newMemUsers() *memUsers {
	return &memUsers{
		users:  make(map[uint]*models.User),
		events: make(map[string]*models.BillingWebhookEvent),
	}
}

func (m *memUsers) Create(user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return gorm.ErrDuplicatedKey
		}
	}
	m.nextID++
	user.ID = m.nextID
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(id uint) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memUsers) TouchLastLogin(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (m *memUsers) Count() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *memUsers) CountBySubscriptionStatus() (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, u := range m.users {
		out[u.SubscriptionStatus]++
	}
	return out, nil
}

func (m *memUsers) GetUserByID(userID uint) (*models.User, error) { return m.GetByID(userID) }

func (m *memUsers) GetUserByEmail(email string) (*models.User, error) { return m.GetByEmail(email) }

func (m *memUsers) UpdateSubscriptionProjection(userID uint, p billing.Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.SubscriptionPlan = p.Plan
		u.SubscriptionStatus = p.Status
		u.SubscriptionCurrentPeriodEnd = p.CurrentPeriodEnd
	}
	return nil
}

func (m *memUsers) UpdateSubscriptionStatus(userID uint, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.SubscriptionStatus = status
	}
	return nil
}

func (m *memUsers) SetStatusBySubscriptionID(subscriptionID, status string) (int64, error) {
	return 0, nil
}

func (m *memUsers) ResetBySubscriptionID(subscriptionID string) (int64, error) {
	return 0, nil
}

func (m *memUsers) ResetUser(userID uint) error { return nil }

func (m *memUsers) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.events[event.ProviderEventID]; ok {
		cp := *stored
		return false, &cp, nil
	}
	event.ID = uint(len(m.events) + 1)
	cp := *event
	m.events[event.ProviderEventID] = &cp
	return true, event, nil
}

func (m *memUsers) MarkWebhookProcessed(id uint, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
		}
	}
	return nil
}

type failingProvider struct{}

func (failingProvider) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	return nil, errors.New("provider unavailable")
}

func (failingProvider) GetSubscription(ctx context.Context, id string) (*billing.SubscriptionSnapshot, error) {
	return nil, errors.New("provider unavailable")
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func (m *memCounter) AddWebhook(ctx context.Context, eventType, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eventType == "" {
		eventType = "unknown"
	}
	if m.counts[eventType] == nil {
		m.counts[eventType] = make(map[string]int64)
	}
	m.counts[eventType][outcome]++
	return nil
}

func (m *memCounter) WebhookCounts(ctx context.Context) (map[string]map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts, nil
}

func (m *memCounter) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]map[string]int64)
	return nil
}

type tokenCaptcha struct{}

func (tokenCaptcha) Enabled() bool { return true }

func (tokenCaptcha) Verify(ctx context.Context, token string) error {
	if token != "human" {
		return errors.New("invalid-input-response")
	}
	return nil
}

type staticStats struct{}

func (staticStats) GetStats(ctx context.Context) (*notify.Stats, error) {
	return &notify.Stats{Pending: 2, Counters: map[notify.Status]int64{notify.StatusCompleted: 5}}, nil
}

var webhookCounts *memCounter

func newTestApp(t *testing.T, secret string) (*fiber.App, *memUsers) {
	t.Helper()
	session.UseStore(fsession.New())

	users := newMemUsers()
	svc := billing.NewService(users, failingProvider{}, billing.Config{
		WebhookSecret:    secret,
		WebhookTolerance: 5 * time.Minute,
	})
	webhookCounts = &memCounter{counts: make(map[string]map[string]int64)}
	InitializeBillingController(svc, webhookCounts)
	authController = NewAuthController(users, nil)
	adminBillingController = NewAdminBillingController(users, staticStats{}, webhookCounts)

	app := fiber.New()
	app.Use(middleware.UserContextMiddleware)
	app.Post("/webhooks/stripe", HandleStripeWebhook)
	app.Post("/api/v1/auth/register", HandleAuthRegister)
	app.Post("/api/v1/auth/login", HandleAuthLogin)
	app.Post("/api/v1/auth/logout", HandleAuthLogout)
	app.Get("/api/v1/billing/status", middleware.RequireAPISessionAuth, HandleBillingStatus)
	app.Post("/api/v1/billing/resync", middleware.RequireAPISessionAuth, HandleBillingResync)
	app.Get("/api/v1/admin/billing/stats", middleware.RequireAPIAdmin, HandleAdminBillingStats)
	app.Delete("/api/v1/admin/billing/stats/webhooks", middleware.RequireAPIAdmin, HandleAdminResetWebhookStats)
	return app, users
}

func signedEvent(t *testing.T, id, eventType string, object any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return payload, signed.Header
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte, signature string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(StripeSignatureHeader, signature)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return body
}

func sendJSON(t *testing.T, app *fiber.App, method, path string, body any, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func loginCookie(t *testing.T, app *fiber.App, email, password string) *http.Cookie {
	t.Helper()
	resp := sendJSON(t, app, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": password})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func TestStripeWebhookSignature(t *testing.T) {
	app, _ := newTestApp(t, testSecret)
	payload, header := signedEvent(t, "evt_sig", "customer.created", map[string]any{"id": "cus_1"})

	t.Run("missing header", func(t *testing.T) {
		status, body := postWebhook(t, app, payload, "")
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, "invalid_signature", body["error"])
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := bytes.Replace(payload, []byte("cus_1"), []byte("cus_2"), 1)
		status, body := postWebhook(t, app, tampered, header)
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, "invalid_signature", body["error"])
	})

	t.Run("valid", func(t *testing.T) {
		status, body := postWebhook(t, app, payload, header)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, body["received"])
		assert.Nil(t, body["duplicate"])
	})

	t.Run("redelivery", func(t *testing.T) {
		status, body := postWebhook(t, app, payload, header)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, body["duplicate"])
	})

	counts, _ := webhookCounts.WebhookCounts(context.Background())
	assert.Equal(t, int64(2), counts["unknown"]["rejected"])
	assert.Equal(t, int64(1), counts["customer.created"]["processed"])
	assert.Equal(t, int64(1), counts["customer.created"]["duplicate"])
}

func TestStripeWebhookNotConfigured(t *testing.T) {
	app, _ := newTestApp(t, "")
	payload, header := signedEvent(t, "evt_cfg", "customer.created", map[string]any{})

	status, body := postWebhook(t, app, payload, header)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "webhook_not_configured", body["error"])
}

func TestStripeWebhookProviderFailureAsksForRedelivery(t *testing.T) {
	app, users := newTestApp(t, testSecret)
	payload, header := signedEvent(t, "evt_inv", billing.EventInvoicePaymentSucceeded, map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"amount_paid":  999,
		"currency":     "eur",
	})

	status, body := postWebhook(t, app, payload, header)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "webhook_processing_failed", body["error"])

	stored := users.events["evt_inv"]
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.ProcessingError)
}

func TestStripeWebhookBodyLimit(t *testing.T) {
	app, _ := newTestApp(t, testSecret)
	big := bytes.Repeat([]byte("a"), MaxWebhookBodyBytes+1)

	status, _ := postWebhook(t, app, big, "t=1,v1=abc")
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
}

func TestAuthAndBillingStatusFlow(t *testing.T) {
	app, _ := newTestApp(t, testSecret)

	resp := sendJSON(t, app, http.MethodGet, "/api/v1/billing/status", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	register := map[string]string{"name": "alice", "email": "Alice@Example.com", "password": "secret123"}
	resp = sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", register)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	assert.Equal(t, "alice@example.com", created["email"])
	assert.Equal(t, models.PlanFree, created["subscription_plan"])

	resp = sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", register)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = sendJSON(t, app, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "alice@example.com", "password": "wrong-password"})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	cookie := loginCookie(t, app, "alice@example.com", "secret123")

	resp = sendJSON(t, app, http.MethodGet, "/api/v1/billing/status", nil, cookie)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	view := decodeBody(t, resp)
	assert.Equal(t, models.PlanFree, view["plan"])
	assert.Equal(t, models.SubscriptionStatusInactive, view["status"])
	assert.Nil(t, view["currentPeriodEnd"])
	assert.Equal(t, false, view["isAdmin"])

	// Without a subscription id a resync answers from the stored state.
	resp = sendJSON(t, app, http.MethodPost, "/api/v1/billing/resync", nil, cookie)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = sendJSON(t, app, http.MethodPost, "/api/v1/auth/logout", nil, cookie)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = sendJSON(t, app, http.MethodGet, "/api/v1/billing/status", nil, cookie)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	app, _ := newTestApp(t, testSecret)

	resp := sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", map[string]string{"name": "bo", "email": "not-an-email", "password": "x"})
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation_failed", decodeBody(t, resp)["error"])
}

func TestRegisterCaptcha(t *testing.T) {
	app, users := newTestApp(t, testSecret)
	authController = NewAuthController(users, tokenCaptcha{})

	body := map[string]string{"name": "erin", "email": "erin@example.com", "password": "secret123"}
	resp := sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "captcha_failed", decodeBody(t, resp)["error"])

	body["h-captcha-response"] = "human"
	resp = sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", body)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestBillingResyncProviderFailure(t *testing.T) {
	app, users := newTestApp(t, testSecret)
	resp := sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", map[string]string{"name": "carol", "email": "carol@example.com", "password": "secret123"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	u, err := users.GetByEmail("carol@example.com")
	require.NoError(t, err)
	subID := "sub_9"
	users.users[u.ID].StripeSubscriptionID = &subID

	cookie := loginCookie(t, app, "carol@example.com", "secret123")
	resp = sendJSON(t, app, http.MethodPost, "/api/v1/billing/resync", nil, cookie)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "resync_failed", decodeBody(t, resp)["error"])
}

func TestAdminBillingStats(t *testing.T) {
	app, users := newTestApp(t, testSecret)
	for _, email := range []string{"admin@example.com", "user@example.com"} {
		resp := sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", map[string]string{"name": "someone", "email": email, "password": "secret123"})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
	admin, err := users.GetByEmail("admin@example.com")
	require.NoError(t, err)
	users.users[admin.ID].Role = models.ROLE_ADMIN

	userCookie := loginCookie(t, app, "user@example.com", "secret123")
	resp := sendJSON(t, app, http.MethodGet, "/api/v1/admin/billing/stats", nil, userCookie)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	adminCookie := loginCookie(t, app, "admin@example.com", "secret123")
	resp = sendJSON(t, app, http.MethodGet, "/api/v1/admin/billing/stats", nil, adminCookie)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	usersBlock := body["users"].(map[string]any)
	assert.EqualValues(t, 2, usersBlock["total"])
	notifications := body["notifications"].(map[string]any)
	assert.EqualValues(t, 2, notifications["pending"])
	assert.NotNil(t, body["webhooks"])

	// Admins read as pro regardless of stored state.
	resp = sendJSON(t, app, http.MethodGet, "/api/v1/billing/status", nil, adminCookie)
	view := decodeBody(t, resp)
	assert.Equal(t, models.PlanPro, view["plan"])
	assert.Equal(t, true, view["isAdmin"])
}

func TestAdminResetWebhookStats(t *testing.T) {
	app, users := newTestApp(t, testSecret)
	for _, email := range []string{"admin@example.com", "user@example.com"} {
		resp := sendJSON(t, app, http.MethodPost, "/api/v1/auth/register", map[string]string{"name": "someone", "email": email, "password": "secret123"})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
	admin, err := users.GetByEmail("admin@example.com")
	require.NoError(t, err)
	users.users[admin.ID].Role = models.ROLE_ADMIN

	require.NoError(t, webhookCounts.AddWebhook(context.Background(), "customer.subscription.updated", "rejected"))

	userCookie := loginCookie(t, app, "user@example.com", "secret123")
	resp := sendJSON(t, app, http.MethodDelete, "/api/v1/admin/billing/stats/webhooks", nil, userCookie)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	counts, err := webhookCounts.WebhookCounts(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, counts)

	adminCookie := loginCookie(t, app, "admin@example.com", "secret123")
	resp = sendJSON(t, app, http.MethodDelete, "/api/v1/admin/billing/stats/webhooks", nil, adminCookie)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = sendJSON(t, app, http.MethodGet, "/api/v1/admin/billing/stats", nil, adminCookie)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Empty(t, body["webhooks"])
}

func TestAdminResetWebhookStatsWithoutCounters(t *testing.T) {
	app := fiber.New()
	app.Delete("/reset", NewAdminBillingController(newMemUsers(), nil, nil).HandleResetWebhookStats)

	resp := sendJSON(t, app, http.MethodDelete, "/reset", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetClientIP(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(GetClientIP(c)) })

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "203.0.113.7", "X-Forwarded-For": "10.0.0.1"}, "203.0.113.7"},
		{"forwarded list", map[string]string{"X-Forwarded-For": "198.51.100.4, 10.0.0.1"}, "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			raw, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}
