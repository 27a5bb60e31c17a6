package billing

import (
	"strings"
	"testing"
)

func TestDerivePlanName(t *testing.T) {
	tests := []struct {
		name  string
		items []SubscriptionItem
		want  string
	}{
		{name: "no items", items: nil, want: "monthly"},
		{name: "yearly interval", items: []SubscriptionItem{{Quantity: 1, Interval: "year"}}, want: "yearly"},
		{name: "monthly interval", items: []SubscriptionItem{{Quantity: 1, Interval: "month"}}, want: "monthly"},
		{name: "weekly falls back", items: []SubscriptionItem{{Quantity: 1, Interval: "week"}}, want: "monthly"},
		{name: "empty interval falls back", items: []SubscriptionItem{{Quantity: 1}}, want: "monthly"},
		{name: "lookup key wins", items: []SubscriptionItem{{Quantity: 1, LookupKey: "premium", Interval: "year"}}, want: "premium"},
		{name: "long lookup key truncated", items: []SubscriptionItem{{Quantity: 1, LookupKey: strings.Repeat("k", 250)}}, want: strings.Repeat("k", 200)},
		{name: "lookup key at column width kept", items: []SubscriptionItem{{Quantity: 1, LookupKey: strings.Repeat("k", 200)}}, want: strings.Repeat("k", 200)},
		{name: "multibyte lookup key truncated by rune", items: []SubscriptionItem{{Quantity: 1, LookupKey: strings.Repeat("é", 201)}}, want: strings.Repeat("é", 200)},
		{name: "blank lookup key ignored", items: []SubscriptionItem{{Quantity: 1, LookupKey: "  ", Interval: "year"}}, want: "yearly"},
		{
			name: "first live item wins",
			items: []SubscriptionItem{
				{Quantity: 0, Interval: "month"},
				{Quantity: 1, Deleted: true, Interval: "month"},
				{Quantity: 2, Interval: "year"},
			},
			want: "yearly",
		},
		{
			name: "falls back to first item",
			items: []SubscriptionItem{
				{Quantity: 0, LookupKey: "enterprise"},
				{Quantity: 1, Deleted: true, Interval: "year"},
			},
			want: "enterprise",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePlanName(tt.items); got != tt.want {
				t.Fatalf("DerivePlanName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlanRank(t *testing.T) {
	order := []string{"free", "monthly", "pro", "premium", "enterprise", "yearly"}
	for i := 1; i < len(order); i++ {
		if planRank(order[i-1]) >= planRank(order[i]) {
			t.Fatalf("expected %s to outrank %s", order[i], order[i-1])
		}
	}
	if planRank("something_custom") != planRank("free") {
		t.Fatalf("expected unknown plans to rank as free")
	}
}

func TestClassifyPlanChange(t *testing.T) {
	tests := []struct {
		prev, next string
		want       PlanChange
	}{
		{prev: "free", next: "monthly", want: PlanChangeUpgrade},
		{prev: "monthly", next: "yearly", want: PlanChangeUpgrade},
		{prev: "enterprise", next: "yearly", want: PlanChangeUpgrade},
		{prev: "yearly", next: "monthly", want: PlanChangeLateral},
		{prev: "pro", next: "custom_key", want: PlanChangeLateral},
		{prev: "monthly", next: "Monthly", want: PlanChangeNone},
	}
	for _, tt := range tests {
		if got := ClassifyPlanChange(tt.prev, tt.next); got != tt.want {
			t.Fatalf("ClassifyPlanChange(%q, %q) = %q, want %q", tt.prev, tt.next, got, tt.want)
		}
	}
}
