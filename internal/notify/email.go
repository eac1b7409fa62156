package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// RecipientResolver maps a subscription to the customer email address that
// should receive billing notifications.
type RecipientResolver func(ctx context.Context, subscriptionID uuid.UUID) (string, error)

// EmailService sends customer-facing billing notifications through Resend.
type EmailService struct {
	client    *resend.Client
	logger    *zap.Logger
	fromEmail string
	fromName  string
	resolve   RecipientResolver
}

func NewEmailService(apiKey string, fromEmail string, fromName string, resolve RecipientResolver, logger *zap.Logger) *EmailService {
	client := resend.NewClient(apiKey)

	return &EmailService{
		client:    client,
		logger:    logger,
		fromEmail: fromEmail,
		fromName:  fromName,
		resolve:   resolve,
	}
}

// SendSubscriptionChangeEmail notifies the customer that their plan amount
// changed: an immediate upgrade, a deferred downgrade, or a pause/resume.
func (s *EmailService) SendSubscriptionChangeEmail(ctx context.Context, subscriptionID uuid.UUID, changeType string, oldAmountCents, newAmountCents, prorationCents int64) error {
	subject := fmt.Sprintf("Your subscription was updated (%s)", changeType)
	body := fmt.Sprintf(
		"<p>Your subscription changed from %s to %s.</p>",
		formatCents(oldAmountCents), formatCents(newAmountCents))
	if prorationCents > 0 {
		body += fmt.Sprintf("<p>A prorated charge of %s was applied for the remainder of the current period.</p>", formatCents(prorationCents))
	}

	return s.send(ctx, subscriptionID, subject, body, "subscription_change", changeType)
}

// SendPaymentFailedEmail notifies the customer that a redemption attempt
// failed and, when a retry is scheduled, when it will happen.
func (s *EmailService) SendPaymentFailedEmail(ctx context.Context, subscriptionID uuid.UUID, attemptNumber int32, nextRetryAt *time.Time) error {
	subject := "We couldn't process your subscription payment"
	body := fmt.Sprintf("<p>Payment attempt %d for your subscription failed.</p>", attemptNumber)
	if nextRetryAt != nil {
		body += fmt.Sprintf("<p>We will automatically retry on %s. No action is needed if your payment authorization is still valid.</p>",
			nextRetryAt.Format("January 2, 2006"))
	}

	return s.send(ctx, subscriptionID, subject, body, "payment_failed", fmt.Sprintf("attempt_%d", attemptNumber))
}

// SendFinalActionEmail notifies the customer that retries are exhausted and
// the configured final action was applied to their subscription.
func (s *EmailService) SendFinalActionEmail(ctx context.Context, subscriptionID uuid.UUID, finalAction string) error {
	subject, body := finalActionContent(finalAction)
	return s.send(ctx, subscriptionID, subject, body, "final_action", finalAction)
}

// finalActionContent maps a dunning final action to its customer-facing
// subject and body. The action value is the same constant ApplyFinalAction
// runs on.
func finalActionContent(finalAction string) (subject, body string) {
	switch finalAction {
	case constants.FinalActionCancel:
		return "Your subscription was canceled",
			"<p>We were unable to collect payment after several attempts, so your subscription has been canceled.</p>"
	case constants.FinalActionPause:
		return "Your subscription was paused",
			"<p>We were unable to collect payment after several attempts, so your subscription has been paused. Update your payment authorization to resume.</p>"
	case constants.FinalActionDowngrade:
		return "Your subscription was downgraded",
			"<p>We were unable to collect payment after several attempts, so your subscription was moved to a lower-priced plan.</p>"
	default:
		return "Your subscription needs attention",
			"<p>We were unable to collect payment after several attempts. Please update your payment authorization.</p>"
	}
}

func (s *EmailService) send(ctx context.Context, subscriptionID uuid.UUID, subject, htmlBody, category, detail string) error {
	toEmail, err := s.resolve(ctx, subscriptionID)
	if err != nil {
		s.logger.Error("failed to resolve notification recipient",
			zap.Error(err),
			zap.String("subscription_id", subscriptionID.String()))
		return fmt.Errorf("failed to resolve recipient: %w", err)
	}

	from := fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{toEmail},
		Subject: subject,
		Html:    htmlBody,
		Headers: map[string]string{
			"X-Entity-Ref-ID": uuid.New().String(),
		},
		Tags: []resend.Tag{
			{Name: "category", Value: category},
			{Name: "detail", Value: detail},
		},
	}

	sent, err := s.client.Emails.Send(params)
	if err != nil {
		s.logger.Error("failed to send billing email",
			zap.Error(err),
			zap.String("to", toEmail),
			zap.String("category", category))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("billing email sent",
		zap.String("email_id", sent.Id),
		zap.String("to", toEmail),
		zap.String("category", category))

	return nil
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

// LogEmailService logs notifications instead of sending them. Used when no
// Resend API key is configured, typically local development.
type LogEmailService struct {
	logger *zap.Logger
}

func NewLogEmailService(logger *zap.Logger) *LogEmailService {
	if logger == nil {
		logger = zap.L()
	}
	return &LogEmailService{logger: logger}
}

func (s *LogEmailService) SendSubscriptionChangeEmail(ctx context.Context, subscriptionID uuid.UUID, changeType string, oldAmountCents, newAmountCents, prorationCents int64) error {
	s.logger.Info("email (log only): subscription change",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("change_type", changeType),
		zap.Int64("old_amount_cents", oldAmountCents),
		zap.Int64("new_amount_cents", newAmountCents),
		zap.Int64("proration_cents", prorationCents))
	return nil
}

func (s *LogEmailService) SendPaymentFailedEmail(ctx context.Context, subscriptionID uuid.UUID, attemptNumber int32, nextRetryAt *time.Time) error {
	s.logger.Info("email (log only): payment failed",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int32("attempt_number", attemptNumber),
		zap.Timep("next_retry_at", nextRetryAt))
	return nil
}

func (s *LogEmailService) SendFinalActionEmail(ctx context.Context, subscriptionID uuid.UUID, finalAction string) error {
	s.logger.Info("email (log only): final action applied",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("final_action", finalAction))
	return nil
}
