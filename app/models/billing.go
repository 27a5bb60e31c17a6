package models

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// Plan names stored in users.subscription_plan. Provider lookup keys may add
// further values; these are the ones the application itself assigns.
const (
	PlanFree       = "free"
	PlanMonthly    = "monthly"
	PlanYearly     = "yearly"
	PlanPro        = "pro"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

// Subscription statuses mirror the provider vocabulary. Inactive is the local
// default for accounts that never subscribed or whose access expired.
const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusPaused            = "paused"
	SubscriptionStatusInactive          = "inactive"
)
