package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PaperFox/internal/pkg/env"
)

const defaultWebhookTolerance = 5 * time.Minute

// Config holds the billing settings resolved once at startup.
type Config struct {
	SecretKey        string
	WebhookSecret    string
	Environment      string
	WebhookTolerance time.Duration
}

// NewConfigFromEnv picks the webhook secret matching APP_ENV: development
// deployments verify against STRIPE_WEBHOOK_SECRET_DEV, everything else
// against STRIPE_WEBHOOK_SECRET.
func NewConfigFromEnv() Config {
	cfg := Config{
		SecretKey:        strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		Environment:      "prod",
		WebhookTolerance: defaultWebhookTolerance,
	}
	if env.IsDev() {
		cfg.Environment = "dev"
		cfg.WebhookSecret = strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET_DEV", ""))
	} else {
		cfg.WebhookSecret = strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
	}
	if v := strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_TOLERANCE", "")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WebhookTolerance = d
		}
	}
	return cfg
}
