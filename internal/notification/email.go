package notification

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/config"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var subjects = map[Kind]string{
	KindRenewalAlert:        "Your subscription renews soon",
	KindGracePeriodAlert:    "Your subscription has ended, renew to keep access",
	KindSubscriptionExpired: "Your subscription has expired",
	KindAutoRenewed:         "Your subscription was renewed",
	KindAutoRenewalFailed:   "We could not renew your subscription",
	KindInvoiceGenerated:    "New invoice",
	KindPaymentReminder:     "Payment reminder",
}

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

type SMTPSender struct {
	cfg config.SMTPConfig
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(_ context.Context, to []string, subject, htmlBody string) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	mime := "MIME-version: 1.0;\r\nContent-Type: text/html; charset=\"UTF-8\";\r\n"
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n%s\r\n%s",
		s.cfg.From, strings.Join(to, ", "), subject, mime, htmlBody))

	return smtp.SendMail(addr, auth, s.cfg.From, to, msg)
}

// RecipientResolver finds the addresses to notify for a subscription.
type RecipientResolver interface {
	Recipients(ctx context.Context, subscriptionID snowflake.ID) ([]string, error)
}

const billingEmailKey = "billing_email"

// MetadataRecipients reads the billing address stored in the subscription
// metadata under "billing_email".
type MetadataRecipients struct {
	Subscriptions subscriptiondomain.Service
}

func (r MetadataRecipients) Recipients(ctx context.Context, subscriptionID snowflake.ID) ([]string, error) {
	sub, err := r.Subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	switch v := sub.Metadata[billingEmailKey].(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return []string{v}, nil
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out, nil
	}
	return nil, nil
}

// EmailNotifier renders the notification template of its kind and mails it
// to the subscription's recipients.
type EmailNotifier struct {
	sender     Sender
	recipients RecipientResolver
}

func NewEmailNotifier(sender Sender, recipients RecipientResolver) *EmailNotifier {
	return &EmailNotifier{sender: sender, recipients: recipients}
}

func (n *EmailNotifier) Notify(ctx context.Context, notification Notification) error {
	to, err := n.recipients.Recipients(ctx, notification.SubscriptionID)
	if err != nil {
		return wrapErr(fmt.Errorf("resolve recipients: %w", err))
	}
	if len(to) == 0 {
		return nil
	}

	subject, body, err := Render(notification)
	if err != nil {
		return wrapErr(err)
	}
	if err := n.sender.Send(ctx, to, subject, body); err != nil {
		return wrapErr(fmt.Errorf("send %s email: %w", notification.Kind, err))
	}
	return nil
}

// Render produces the subject and HTML body of a notification.
func Render(n Notification) (string, string, error) {
	subject, ok := subjects[n.Kind]
	if !ok {
		return "", "", fmt.Errorf("no template for notification kind %q", n.Kind)
	}

	var body bytes.Buffer
	err := templates.ExecuteTemplate(&body, "notification.html", map[string]any{
		"Subject":        subject,
		"Kind":           string(n.Kind),
		"SubscriptionID": n.SubscriptionID.String(),
		"Context":        n.Context,
		"OccurredAt":     n.OccurredAt.Format("2006-01-02"),
	})
	if err != nil {
		return "", "", fmt.Errorf("render %s: %w", n.Kind, err)
	}
	return subject, body.String(), nil
}
