package notify

import (
	"context"
	"strings"

	"github.com/ManuelReschke/PaperFox/internal/pkg/mail"
)

// Mailer is the subset of mail.Mailer the sender needs.
type Mailer interface {
	Send(to, subject, body string) error
}

// MailSender renders intents with the billing email templates and sends them.
type MailSender struct {
	mailer       Mailer
	dashboardURL string
}

// NewMailSender builds a sender; publicDomain is used for the dashboard link.
func NewMailSender(mailer Mailer, publicDomain string) *MailSender {
	url := ""
	if d := strings.TrimRight(strings.TrimSpace(publicDomain), "/"); d != "" {
		url = d + "/billing"
	}
	return &MailSender{mailer: mailer, dashboardURL: url}
}

func (s *MailSender) Send(ctx context.Context, intent Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := intent.Validate(); err != nil {
		return err
	}
	subject, body, err := mail.RenderBilling(string(intent.Kind), mail.BillingEmail{
		Name:         intent.Name,
		Plan:         intent.Plan,
		PreviousPlan: intent.PreviousPlan,
		Amount:       mail.FormatAmount(intent.Amount, intent.Currency),
		PeriodEnd:    intent.PeriodEnd,
		AccessEnd:    intent.AccessEnd,
		DashboardURL: s.dashboardURL,
	})
	if err != nil {
		return err
	}
	return s.mailer.Send(intent.Recipient, subject, body)
}
