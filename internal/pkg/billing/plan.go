package billing

import (
	"strings"

	"github.com/ManuelReschke/PaperFox/app/models"
)

// PlanChange classifies a plan transition for notification purposes.
type PlanChange string

const (
	PlanChangeNone    PlanChange = "none"
	PlanChangeUpgrade PlanChange = "upgrade"
	PlanChangeLateral PlanChange = "plan_change"
)

// maxPlanNameLength matches the users.subscription_plan column and the
// provider's lookup key limit.
const maxPlanNameLength = 200

// DerivePlanName maps subscription line items to a local plan name. The first
// live item (quantity > 0, not deleted) wins, falling back to the first item.
// A lookup key beats the billing interval and is cut to maxPlanNameLength
// runes; "monthly" is the final default.
func DerivePlanName(items []SubscriptionItem) string {
	if len(items) == 0 {
		return models.PlanMonthly
	}

	item := items[0]
	for _, it := range items {
		if it.Quantity > 0 && !it.Deleted {
			item = it
			break
		}
	}

	if key := strings.TrimSpace(item.LookupKey); key != "" {
		if r := []rune(key); len(r) > maxPlanNameLength {
			key = string(r[:maxPlanNameLength])
		}
		return key
	}

	switch strings.ToLower(strings.TrimSpace(item.Interval)) {
	case models.BillingIntervalYear:
		return models.PlanYearly
	case models.BillingIntervalMonth:
		return models.PlanMonthly
	default:
		return models.PlanMonthly
	}
}

// planRank orders plans for upgrade detection. Yearly ranks above enterprise;
// see DESIGN.md before changing the table.
func planRank(plan string) int {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanYearly:
		return 5
	case models.PlanEnterprise:
		return 4
	case models.PlanPremium:
		return 3
	case models.PlanPro:
		return 2
	case models.PlanMonthly:
		return 1
	default:
		return 0
	}
}

// ClassifyPlanChange reports whether moving from previous to next is an upgrade
// or a lateral/downgrade change. Identical plans yield PlanChangeNone.
func ClassifyPlanChange(previous, next string) PlanChange {
	if strings.EqualFold(strings.TrimSpace(previous), strings.TrimSpace(next)) {
		return PlanChangeNone
	}
	if planRank(next) > planRank(previous) {
		return PlanChangeUpgrade
	}
	return PlanChangeLateral
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		return models.SubscriptionStatusInactive
	}
	return s
}
