package billing

import "errors"

var (
	// ErrInvalidSignature is returned when a webhook delivery fails signature verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrWebhookSecretMissing is returned when no signing secret is configured.
	ErrWebhookSecretMissing = errors.New("webhook secret not configured")
	// ErrMissingReference marks a payload or call that lacks a required provider id.
	ErrMissingReference = errors.New("missing provider reference")
)
