/**
 * @description
 * This file implements the consolidated gift-card payment confirmation. The
 * same routine serves both entry points: the asynchronous webhook branch and
 * the synchronous client-triggered verification. Both funnel through the
 * conditional insert in the store, so a webhook and a verification racing on
 * the same payment reference converge on exactly one gift card.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/agendei/billing-service/internal/store"
	"github.com/agendei/billing-service/pkg/stripegateway"
	"github.com/google/uuid"
)

// ConfirmGiftCardPayment confirms a gift-card payment by its gateway reference.
// It is safe to call any number of times for the same reference: the first
// successful call creates the card, every later call reports the existing one.
func (s *Service) ConfirmGiftCardPayment(ctx context.Context, reference string) (*domain.ConfirmPaymentResponse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrInvalidPaymentReference
	}
	if err := s.checkVerifyRateLimit(ctx, reference); err != nil {
		return nil, err
	}

	// Fast path: the card already exists, no gateway round-trip needed.
	if existing, err := s.repo.FindGiftCardByPaymentReference(ctx, reference); err == nil {
		return &domain.ConfirmPaymentResponse{Success: true, Code: existing.Code, AlreadyExists: true}, nil
	} else if !errors.Is(err, store.ErrGiftCardNotFound) {
		return nil, err
	}

	// The gateway is the source of truth for the payment's state. A client can
	// only hand us a reference, never a settlement claim.
	payment, err := s.gateway.RetrievePayment(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !payment.Succeeded() {
		return nil, ErrPaymentNotSettled
	}

	// Re-check after the gateway call: the webhook may have landed while we
	// were on the wire.
	if existing, err := s.repo.FindGiftCardByPaymentReference(ctx, reference); err == nil {
		return &domain.ConfirmPaymentResponse{Success: true, Code: existing.Code, AlreadyExists: true}, nil
	} else if !errors.Is(err, store.ErrGiftCardNotFound) {
		return nil, err
	}

	card, created, err := s.createGiftCardArtifacts(ctx, payment)
	if err != nil {
		return nil, err
	}
	if !created {
		return &domain.ConfirmPaymentResponse{Success: true, Code: card.Code, AlreadyExists: true}, nil
	}
	return &domain.ConfirmPaymentResponse{Success: true, Code: card.Code, IsNew: true}, nil
}

// createGiftCardArtifacts creates the gift card for a settled payment along
// with its side artifacts: the buyer's invoice and the recipient notification.
// The card insert is the commit point; the side effects are fail-soft and only
// run when this call actually inserted the card.
func (s *Service) createGiftCardArtifacts(ctx context.Context, payment *stripegateway.Payment) (*domain.GiftCard, bool, error) {
	code, err := generateGiftCode()
	if err != nil {
		return nil, false, err
	}

	buyer := s.resolveBuyer(ctx, payment)

	card := &domain.GiftCard{
		ID:               uuid.New(),
		Code:             code,
		InitialBalance:   payment.Amount,
		CurrentBalance:   payment.Amount,
		Status:           domain.GiftCardStatusActive,
		Type:             domain.GiftCardTypeGiftCard,
		PaymentReference: &payment.Reference,
		Metadata: map[string]any{
			"payment_reference": payment.Reference,
			"currency":          payment.Currency,
		},
	}
	if buyer != nil {
		card.BuyerID = &buyer.ID
	}
	recipientEmail := strings.TrimSpace(payment.Metadata["recipient_email"])
	if recipientEmail != "" {
		card.RecipientEmail = &recipientEmail
		card.Metadata["recipient_email"] = recipientEmail
	}

	inserted, err := s.repo.CreateGiftCard(ctx, card)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		// Another writer (webhook or verify) won the race. Surface its card.
		existing, err := s.repo.FindGiftCardByPaymentReference(ctx, payment.Reference)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	log.Printf("level=info component=service msg=\"gift card created\" code=%s payment_reference=%s amount=%d", code, payment.Reference, payment.Amount)

	// Side artifacts never undo the card. A failure here is logged and the
	// invoice converges on a later replay via the upsert.
	if buyer != nil {
		invoice := &domain.Invoice{
			ID:            payment.Reference,
			UserID:        &buyer.ID,
			Amount:        payment.Amount,
			Date:          s.clock.Now(),
			Status:        "paid",
			PlanTitle:     "Gift Card",
			PaymentMethod: paymentMethodOrDefault(payment.PaymentMethod),
		}
		if err := s.repo.UpsertInvoice(ctx, invoice); err != nil {
			log.Printf("level=error component=service msg=\"gift card invoice upsert failed\" payment_reference=%s err=%v", payment.Reference, err)
		}
	}

	if recipientEmail != "" {
		notification := domain.Notification{
			Kind:      domain.NotificationGiftCardPurchased,
			Recipient: recipientEmail,
			TemplateData: map[string]any{
				"giftAmount": payment.Amount,
				"code":       code,
			},
		}
		if err := s.notifier.PublishNotification(ctx, notification); err != nil {
			log.Printf("level=error component=service msg=\"gift card notification publish failed\" payment_reference=%s err=%v", payment.Reference, err)
		}
	}

	return card, true, nil
}

// resolveBuyer finds the buyer profile from the payment's customer id, falling
// back to the receipt email. A gift card can legitimately have no buyer on
// file (anonymous checkout), so lookup failures are tolerated.
func (s *Service) resolveBuyer(ctx context.Context, payment *stripegateway.Payment) *domain.Profile {
	if payment.CustomerID != "" {
		if profile, err := s.repo.FindProfileByGatewayCustomerID(ctx, payment.CustomerID); err == nil {
			return profile
		}
	}
	if payment.ReceiptEmail != "" {
		if profile, err := s.repo.FindProfileByEmail(ctx, payment.ReceiptEmail); err == nil {
			return profile
		}
	}
	return nil
}

func paymentMethodOrDefault(method string) string {
	if method == "" {
		return domain.PaymentMethodCard
	}
	return method
}
