package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var billingTemplates = template.Must(
	template.New("billing").Funcs(template.FuncMap{
		"date":  formatDate,
		"title": planTitle,
	}).ParseFS(templateFS, "templates/*.html"),
)

// BillingEmail is the data every billing template renders from.
type BillingEmail struct {
	Name         string
	Plan         string
	PreviousPlan string
	Amount       string
	PeriodEnd    *time.Time
	AccessEnd    *time.Time
	DashboardURL string
}

var subjects = map[string]string{
	"payment_confirmation": "Your PaperFox payment was received",
	"upgrade":              "Your PaperFox plan was upgraded",
	"plan_change":          "Your PaperFox plan has changed",
	"cancellation":         "Your PaperFox subscription was canceled",
}

// RenderBilling renders the named billing template and returns subject and HTML body.
func RenderBilling(name string, data BillingEmail) (string, string, error) {
	subject, ok := subjects[name]
	if !ok {
		return "", "", fmt.Errorf("mail: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := billingTemplates.ExecuteTemplate(&buf, name+".html", data); err != nil {
		return "", "", fmt.Errorf("mail: render %s: %w", name, err)
	}
	return subject, buf.String(), nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("January 2, 2006")
}

func planTitle(plan string) string {
	plan = strings.TrimSpace(strings.ReplaceAll(plan, "_", " "))
	if plan == "" {
		return ""
	}
	return strings.ToUpper(plan[:1]) + plan[1:]
}

// FormatAmount renders minor currency units, e.g. 990 eur -> "9.90 EUR".
func FormatAmount(minor int64, currency string) string {
	if currency == "" {
		return ""
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}
