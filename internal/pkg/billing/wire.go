package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// objectRef decodes a provider reference that may arrive either as a bare id
// string or as an expanded object carrying an "id" field.
type objectRef struct {
	ID string
}

func (r *objectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		r.ID = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.ID = strings.TrimSpace(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = strings.TrimSpace(obj.ID)
	return nil
}

// flexInt accepts integers delivered as numbers or numeric strings. Anything
// else decodes to zero instead of failing the whole payload.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexInt(int64(fl))
		return nil
	}
	*f = 0
	return nil
}

type wireRecurring struct {
	Interval string `json:"interval"`
}

type wirePrice struct {
	LookupKey *string        `json:"lookup_key"`
	Recurring *wireRecurring `json:"recurring"`
}

type wireSubscriptionItem struct {
	Quantity         flexInt    `json:"quantity"`
	Deleted          bool       `json:"deleted"`
	CurrentPeriodEnd any        `json:"current_period_end"`
	Price            *wirePrice `json:"price"`
	// Legacy plan object; only consulted when price carries no interval.
	Plan *wireRecurring `json:"plan"`
}

type wireSubscription struct {
	ID                string    `json:"id"`
	Object            string    `json:"object"`
	Customer          objectRef `json:"customer"`
	Status            string    `json:"status"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	CurrentPeriodEnd  any       `json:"current_period_end"`
	Items             struct {
		Data []wireSubscriptionItem `json:"data"`
	} `json:"items"`
}

type wireInvoice struct {
	ID            string    `json:"id"`
	Customer      objectRef `json:"customer"`
	CustomerEmail string    `json:"customer_email"`
	Subscription  objectRef `json:"subscription"`
	AmountPaid    flexInt   `json:"amount_paid"`
	Currency      string    `json:"currency"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription objectRef `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoice's subscription reference from either the
// legacy top-level field or the newer parent.subscription_details block.
func (inv *wireInvoice) SubscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := inv.Parent.SubscriptionDetails.Subscription.ID; id != "" {
			return id
		}
	}
	return inv.Subscription.ID
}

type wireCheckoutSession struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	Customer     objectRef `json:"customer"`
	Subscription objectRef `json:"subscription"`
	AmountTotal  flexInt   `json:"amount_total"`
	Currency     string    `json:"currency"`
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeSubscription turns a raw subscription object into a snapshot.
func decodeSubscription(raw []byte) (*SubscriptionSnapshot, error) {
	var ws wireSubscription
	if err := decodeJSON(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if strings.TrimSpace(ws.ID) == "" {
		return nil, fmt.Errorf("decode subscription: %w", ErrMissingReference)
	}

	snap := &SubscriptionSnapshot{
		ID:                strings.TrimSpace(ws.ID),
		CustomerID:        ws.Customer.ID,
		Status:            normalizeStatus(ws.Status),
		CancelAtPeriodEnd: ws.CancelAtPeriodEnd,
		CurrentPeriodEnd:  UnixToTime(ws.CurrentPeriodEnd),
	}
	for _, wi := range ws.Items.Data {
		item := SubscriptionItem{
			Quantity:         int64(wi.Quantity),
			Deleted:          wi.Deleted,
			CurrentPeriodEnd: UnixToTime(wi.CurrentPeriodEnd),
		}
		if wi.Price != nil {
			if wi.Price.LookupKey != nil {
				item.LookupKey = strings.TrimSpace(*wi.Price.LookupKey)
			}
			if wi.Price.Recurring != nil {
				item.Interval = wi.Price.Recurring.Interval
			}
		}
		if item.Interval == "" && wi.Plan != nil {
			item.Interval = wi.Plan.Interval
		}
		snap.Items = append(snap.Items, item)
	}
	return snap, nil
}

func decodeInvoice(raw []byte) (*wireInvoice, error) {
	var inv wireInvoice
	if err := decodeJSON(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return &inv, nil
}

func decodeCheckoutSession(raw []byte) (*wireCheckoutSession, error) {
	var cs wireCheckoutSession
	if err := decodeJSON(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &cs, nil
}
