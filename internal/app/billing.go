/**
 * @description
 * This file implements the billing report aggregator: the read-side merge of
 * invoices, directly-charged appointments, and counter-sold gift cards into a
 * single reverse-chronological revenue feed. The report is derived on demand
 * and never persisted.
 *
 * Deduplication rule: an invoice represents the authoritative record of an
 * online charge, so a completed appointment whose (user, day) already appears
 * among the invoices is suppressed rather than double-counted.
 */

package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/google/uuid"
)

// BuildBillingReport assembles the revenue records inside [from, to].
func (s *Service) BuildBillingReport(ctx context.Context, from, to time.Time) ([]domain.BillingRecord, error) {
	invoices, err := s.repo.ListInvoices(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	appointments, err := s.repo.ListCompletedAppointments(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	giftCards, err := s.repo.ListGiftCards(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list gift cards: %w", err)
	}

	names := s.newNameResolver()
	records := make([]domain.BillingRecord, 0, len(invoices)+len(appointments)+len(giftCards))

	// (user, day) pairs already covered by an invoice.
	invoiced := make(map[string]struct{}, len(invoices))
	for i := range invoices {
		inv := &invoices[i]
		if inv.UserID != nil {
			invoiced[userDayKey(*inv.UserID, inv.Date)] = struct{}{}
		}
		description := inv.PlanTitle
		if description == "" {
			description = "Pagamento online"
		}
		records = append(records, domain.BillingRecord{
			ID:          inv.ID,
			Date:        inv.Date,
			Description: description,
			Amount:      inv.Amount,
			Method:      displayMethod(inv.PaymentMethod),
			Client:      names.resolve(ctx, inv.UserID),
			UserID:      inv.UserID,
		})
	}

	for i := range appointments {
		appt := &appointments[i]
		if !isDirectCharge(appt.PaymentMethod) {
			continue
		}
		if _, ok := invoiced[userDayKey(appt.UserID, appt.ScheduledAt)]; ok {
			continue
		}
		userID := appt.UserID
		records = append(records, domain.BillingRecord{
			ID:          appt.ID.String(),
			Date:        appt.ScheduledAt,
			Description: "Atendimento",
			Amount:      appt.Price,
			Method:      displayMethod(appt.PaymentMethod),
			Client:      names.resolve(ctx, &userID),
			UserID:      &userID,
		})
	}

	for i := range giftCards {
		card := &giftCards[i]
		if !isCounterSale(card) {
			continue
		}
		records = append(records, domain.BillingRecord{
			ID:          card.ID.String(),
			Date:        card.CreatedAt,
			Description: "Gift Card " + card.Code,
			Amount:      card.InitialBalance,
			Method:      "Balcão",
			Client:      names.resolve(ctx, card.BuyerID),
			UserID:      card.BuyerID,
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.After(records[j].Date)
	})
	return records, nil
}

// isDirectCharge reports whether an appointment was paid at the venue. Online
// charges surface through their invoice, minutes spends live in the ledger,
// and externally-settled sessions are never billed here.
func isDirectCharge(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodPix:
		return true
	default:
		return false
	}
}

// isCounterSale reports whether a gift card was sold at the counter: a real
// gift card (not a promo code) with no gateway payment behind it.
func isCounterSale(card *domain.GiftCard) bool {
	if card.Type == domain.GiftCardTypePromoCode {
		return false
	}
	if card.PaymentReference != nil && *card.PaymentReference != "" {
		return false
	}
	if ref, ok := card.Metadata["payment_reference"].(string); ok && ref != "" {
		return false
	}
	return true
}

func displayMethod(method string) string {
	switch method {
	case domain.PaymentMethodCard:
		return "Cartão"
	case domain.PaymentMethodPix:
		return "Pix"
	case domain.PaymentMethodCash:
		return "Dinheiro"
	case domain.PaymentMethodMinutes:
		return "Minutos"
	default:
		return "Outro"
	}
}

func userDayKey(userID uuid.UUID, t time.Time) string {
	return userID.String() + "|" + t.UTC().Format("2006-01-02")
}

// nameResolver memoizes profile name lookups for the duration of one report.
type nameResolver struct {
	s     *Service
	cache map[uuid.UUID]string
}

func (s *Service) newNameResolver() *nameResolver {
	return &nameResolver{s: s, cache: make(map[uuid.UUID]string)}
}

func (r *nameResolver) resolve(ctx context.Context, userID *uuid.UUID) string {
	if userID == nil {
		return ""
	}
	if name, ok := r.cache[*userID]; ok {
		return name
	}
	name := ""
	if profile, err := r.s.repo.FindProfileByID(ctx, *userID); err == nil {
		name = profile.FullName
	}
	r.cache[*userID] = name
	return name
}
