/**
 * @description
 * This file implements the gateway event ingestor: the dispatch over verified
 * webhook events. Every branch is written to be replay-safe, because the
 * gateway retries delivery until it sees an acknowledgement and may deliver
 * the same event more than once even without failures.
 *
 * Failure containment: a branch error is logged and swallowed here so that one
 * broken side effect cannot block the acknowledgement of the batch. The
 * idempotent writes make the next replay converge.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/agendei/billing-service/internal/store"
	"github.com/agendei/billing-service/pkg/stripegateway"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
)

// HandleGatewayEvent routes one verified gateway event to its branch. The
// returned error is for observability only; transport handlers must still
// acknowledge the delivery once the signature has been verified.
func (s *Service) HandleGatewayEvent(ctx context.Context, event stripe.Event) error {
	log.Printf("level=info component=ingestor msg=\"gateway event received\" event_id=%s type=%s", event.ID, event.Type)

	var err error
	switch event.Type {
	case "payment_intent.succeeded":
		err = s.handlePaymentSucceeded(ctx, event)
	case "customer.subscription.updated":
		err = s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		err = s.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		err = s.handleInvoicePaymentFailed(ctx, event)
	default:
		log.Printf("level=info component=ingestor msg=\"ignoring unhandled event type\" event_id=%s type=%s", event.ID, event.Type)
		return nil
	}

	if err != nil {
		log.Printf("level=error component=ingestor msg=\"event processing failed\" event_id=%s type=%s err=%v", event.ID, event.Type, err)
	}
	return err
}

// handlePaymentSucceeded fans out on the payment's declared kind. Payments
// without a recognized kind are ignored: this service only owns appointment
// and gift-card charges.
func (s *Service) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to decode payment intent: %w", err)
	}

	switch intent.Metadata["kind"] {
	case domain.PaymentKindAppointment:
		return s.handleAppointmentPayment(ctx, &intent)
	case domain.PaymentKindGiftCard:
		payment := &stripegateway.Payment{
			Reference:    intent.ID,
			Status:       string(intent.Status),
			Amount:       intent.Amount,
			Currency:     string(intent.Currency),
			ReceiptEmail: intent.ReceiptEmail,
			Metadata:     intent.Metadata,
		}
		if intent.Customer != nil {
			payment.CustomerID = intent.Customer.ID
		}
		// The creation path is shared with the synchronous verification; the
		// conditional insert makes a duplicate delivery a no-op.
		_, _, err := s.createGiftCardArtifacts(ctx, payment)
		return err
	default:
		log.Printf("level=info component=ingestor msg=\"payment without recognized kind ignored\" payment_reference=%s kind=%q", intent.ID, intent.Metadata["kind"])
		return nil
	}
}

// handleAppointmentPayment confirms the appointment the payment was taken for,
// recreating it from the intent metadata if the booking session was lost
// before the client persisted it.
func (s *Service) handleAppointmentPayment(ctx context.Context, intent *stripe.PaymentIntent) error {
	userID, err := uuid.Parse(intent.Metadata["user_id"])
	if err != nil {
		return fmt.Errorf("payment %s carries no valid user_id: %w", intent.ID, err)
	}
	scheduledAt, err := time.Parse(time.RFC3339, intent.Metadata["scheduled_at"])
	if err != nil {
		return fmt.Errorf("payment %s carries no valid scheduled_at: %w", intent.ID, err)
	}

	appt, err := s.repo.FindAppointmentByUserAndTime(ctx, userID, scheduledAt)
	switch {
	case err == nil:
		if err := s.repo.UpdateAppointmentPayment(ctx, appt.ID, domain.PaymentMethodCard, domain.AppointmentStatusConfirmed); err != nil {
			return fmt.Errorf("failed to confirm appointment %s: %w", appt.ID, err)
		}
	case errors.Is(err, store.ErrAppointmentNotFound):
		duration := parseDurationMinutes(intent.Metadata["duration_minutes"])
		appt = &domain.Appointment{
			ID:              uuid.New(),
			UserID:          userID,
			ScheduledAt:     scheduledAt,
			DurationMinutes: duration,
			Status:          domain.AppointmentStatusConfirmed,
			PaymentMethod:   domain.PaymentMethodCard,
			Price:           intent.Amount,
		}
		if err := s.repo.CreateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("failed to recreate appointment from payment %s: %w", intent.ID, err)
		}
		log.Printf("level=info component=ingestor msg=\"appointment recreated from payment metadata\" payment_reference=%s user_id=%s", intent.ID, userID)
	default:
		return err
	}

	invoice := &domain.Invoice{
		ID:            intent.ID,
		UserID:        &userID,
		Amount:        intent.Amount,
		Date:          s.clock.Now(),
		Status:        "paid",
		PlanTitle:     "Atendimento",
		PaymentMethod: domain.PaymentMethodCard,
	}
	if err := s.repo.UpsertInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("failed to upsert appointment invoice %s: %w", intent.ID, err)
	}
	return nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to decode subscription: %w", err)
	}
	if sub.Customer == nil {
		return fmt.Errorf("subscription %s carries no customer", sub.ID)
	}
	profile, err := s.repo.FindProfileByGatewayCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("no profile for gateway customer %s: %w", sub.Customer.ID, err)
	}
	if err := s.repo.UpdateSubscriptionStatus(ctx, profile.ID, string(sub.Status)); err != nil {
		return fmt.Errorf("failed to update subscription status for %s: %w", profile.ID, err)
	}
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to decode subscription: %w", err)
	}
	if sub.Customer == nil {
		return fmt.Errorf("subscription %s carries no customer", sub.ID)
	}
	profile, err := s.repo.FindProfileByGatewayCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("no profile for gateway customer %s: %w", sub.Customer.ID, err)
	}
	if err := s.repo.ClearSubscription(ctx, profile.ID, domain.SubscriptionStatusCanceled); err != nil {
		return fmt.Errorf("failed to clear subscription for %s: %w", profile.ID, err)
	}
	return nil
}

// handleInvoicePaymentSucceeded records the subscription invoice and credits
// the plan's minutes when the charge represents a genuinely new billing
// period. The stored subscription id is the replay guard for creation
// invoices: a redelivered subscription_create for an already-recorded
// subscription credits nothing.
func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to decode invoice: %w", err)
	}
	if inv.Customer == nil {
		return fmt.Errorf("invoice %s carries no customer", inv.ID)
	}
	profile, err := s.repo.FindProfileByGatewayCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		return fmt.Errorf("no profile for gateway customer %s: %w", inv.Customer.ID, err)
	}

	subscriptionID := ""
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}

	isCreate := inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate
	isCycle := inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle
	isNewSubscription := profile.SubscriptionID == nil || *profile.SubscriptionID != subscriptionID
	shouldCredit := isCycle || (isCreate && isNewSubscription)

	planTitle := "Assinatura"
	if shouldCredit && subscriptionID != "" {
		priceID := invoicePriceID(&inv)
		plan, err := s.repo.FindPlanByPriceID(ctx, priceID)
		if err != nil {
			return fmt.Errorf("no plan for price %s on invoice %s: %w", priceID, inv.ID, err)
		}
		planTitle = plan.Title
		if err := s.repo.CreditMinutes(ctx, profile.ID, plan.Minutes, domain.LedgerReasonRenewalCredit, inv.ID); err != nil {
			return fmt.Errorf("failed to credit renewal minutes for %s: %w", profile.ID, err)
		}
		if err := s.repo.SetSubscription(ctx, profile.ID, priceID, subscriptionID, domain.SubscriptionStatusActive); err != nil {
			return fmt.Errorf("failed to record subscription for %s: %w", profile.ID, err)
		}
		log.Printf("level=info component=ingestor msg=\"renewal minutes credited\" profile_id=%s minutes=%d invoice_id=%s", profile.ID, plan.Minutes, inv.ID)
	}

	invoice := &domain.Invoice{
		ID:            inv.ID,
		UserID:        &profile.ID,
		Amount:        inv.AmountPaid,
		Date:          s.clock.Now(),
		Status:        "paid",
		PlanTitle:     planTitle,
		PaymentMethod: domain.PaymentMethodCard,
	}
	if err := s.repo.UpsertInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("failed to upsert subscription invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("failed to decode invoice: %w", err)
	}
	if inv.Customer == nil {
		return fmt.Errorf("invoice %s carries no customer", inv.ID)
	}
	profile, err := s.repo.FindProfileByGatewayCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		return fmt.Errorf("no profile for gateway customer %s: %w", inv.Customer.ID, err)
	}
	if err := s.repo.UpdateSubscriptionStatus(ctx, profile.ID, domain.SubscriptionStatusPastDue); err != nil {
		return fmt.Errorf("failed to mark subscription past due for %s: %w", profile.ID, err)
	}

	notification := domain.Notification{
		Kind:         domain.NotificationSubscriptionDue,
		Recipient:    profile.Email,
		TemplateData: map[string]any{"invoiceId": inv.ID},
	}
	if err := s.notifier.PublishNotification(ctx, notification); err != nil {
		log.Printf("level=error component=ingestor msg=\"past due notification publish failed\" profile_id=%s err=%v", profile.ID, err)
	}
	return nil
}

func invoicePriceID(inv *stripe.Invoice) string {
	if inv.Lines == nil {
		return ""
	}
	for _, line := range inv.Lines.Data {
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
	}
	return ""
}

func parseDurationMinutes(raw string) int64 {
	var minutes int64
	if _, err := fmt.Sscanf(raw, "%d", &minutes); err != nil || minutes <= 0 {
		return 60
	}
	return minutes
}
