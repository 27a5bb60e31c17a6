package notify

import (
	"strings"
	"time"
)

// Kind selects the email template an intent is rendered with.
type Kind string

const (
	KindPaymentConfirmation Kind = "payment_confirmation"
	KindUpgrade             Kind = "upgrade"
	KindPlanChange          Kind = "plan_change"
	KindCancellation        Kind = "cancellation"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPaymentConfirmation, KindUpgrade, KindPlanChange, KindCancellation:
		return true
	}
	return false
}

// Status defines the delivery status of an intent
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Intent is a queued request to notify a customer about a billing change.
// It carries plain data only; rendering happens in the worker.
type Intent struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Recipient    string     `json:"recipient"`
	Name         string     `json:"name,omitempty"`
	Plan         string     `json:"plan,omitempty"`
	PreviousPlan string     `json:"previous_plan,omitempty"`
	Amount       int64      `json:"amount,omitempty"` // minor units
	Currency     string     `json:"currency,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
	AccessEnd    *time.Time `json:"access_end,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMsg     string     `json:"error_msg,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
}

// Validate checks the fields every template needs.
func (i *Intent) Validate() error {
	if !i.Kind.Valid() {
		return ErrUnknownKind
	}
	if strings.TrimSpace(i.Recipient) == "" {
		return ErrNoRecipient
	}
	return nil
}

// IsRetryable checks if the intent can be retried
func (i *Intent) IsRetryable() bool {
	return i.Status == StatusFailed && i.RetryCount < i.MaxRetries
}

// MarkAsProcessing updates the intent status to processing
func (i *Intent) MarkAsProcessing() {
	now := time.Now()
	i.Status = StatusProcessing
	i.UpdatedAt = now
	i.ProcessedAt = &now
}

// MarkAsCompleted updates the intent status to completed
func (i *Intent) MarkAsCompleted() {
	now := time.Now()
	i.Status = StatusCompleted
	i.UpdatedAt = now
	i.CompletedAt = &now
	i.ErrorMsg = ""
}

// MarkAsFailed updates the intent status to failed
func (i *Intent) MarkAsFailed(errorMsg string) {
	i.Status = StatusFailed
	i.UpdatedAt = time.Now()
	i.ErrorMsg = errorMsg
	i.RetryCount++
}

// MarkAsRetrying updates the intent status to retrying
func (i *Intent) MarkAsRetrying() {
	i.Status = StatusRetrying
	i.UpdatedAt = time.Now()
}
