package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Provider is the subset of the billing provider API the reconciliation flow uses.
type Provider interface {
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
}

// StripeProvider implements Provider on an explicitly constructed Stripe client.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider builds a provider from the billing config. No package
// level stripe.Key is touched.
func NewStripeProvider(cfg Config) *StripeProvider {
	return &StripeProvider{api: client.New(cfg.SecretKey, nil)}
}

func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, ErrMissingReference
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := p.api.Customers.Get(id, params)
	if err != nil {
		return nil, err
	}
	return &Customer{
		ID:      c.ID,
		Email:   strings.TrimSpace(c.Email),
		Deleted: c.Deleted,
	}, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return nil, ErrMissingReference
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}

	// Decode from the raw response so subscription-level and item-level
	// period ends are both honoured regardless of the account's API version.
	var raw []byte
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		raw = sub.LastResponse.RawJSON
	} else {
		raw, err = json.Marshal(sub)
		if err != nil {
			return nil, err
		}
	}
	snap, err := decodeSubscription(raw)
	if err != nil {
		return nil, err
	}
	if snap.ID == "" {
		return nil, errors.New("stripe returned subscription without id")
	}
	return snap, nil
}
