/**
 * @description
 * This file implements the prepaid minutes ledger operations: issuing guest
 * passes (a debit), cancelling appointments with a prorated refund (a credit),
 * and the balance read model. All balance mutations go through the store's
 * single-statement atomic operations, so two concurrent spends can never both
 * succeed against one balance.
 */

package app

import (
	"context"
	"errors"
	"log"
	"math"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/agendei/billing-service/internal/store"
	"github.com/google/uuid"
)

// ErrAppointmentNotCancellable means the appointment has already been
// completed and can no longer be cancelled.
var ErrAppointmentNotCancellable = errors.New("appointment can no longer be cancelled")

// prorateRefundMinutes computes the minutes refunded for a cancellation made
// hoursUntil hours before the scheduled time. At or beyond the full-refund
// window the whole duration comes back; inside the window the refund shrinks
// linearly and is floored; past the scheduled time nothing comes back.
func prorateRefundMinutes(hoursUntil, fullRefundHours float64, durationMinutes int64) int64 {
	if durationMinutes <= 0 {
		return 0
	}
	if hoursUntil >= fullRefundHours {
		return durationMinutes
	}
	if hoursUntil <= 0 {
		return 0
	}
	return int64(math.Floor(float64(durationMinutes) * hoursUntil / fullRefundHours))
}

// CancelAppointment cancels the caller's appointment and, when it was paid
// from the minutes balance, credits back the prorated refund. Cancelling an
// already-cancelled appointment is a no-op with a zero refund.
func (s *Service) CancelAppointment(ctx context.Context, userID, apptID uuid.UUID) (*domain.Appointment, int64, error) {
	appt, err := s.repo.FindAppointmentByID(ctx, apptID)
	if err != nil {
		return nil, 0, err
	}
	// Ownership check. A foreign appointment is indistinguishable from a
	// missing one to the caller.
	if appt.UserID != userID {
		return nil, 0, store.ErrAppointmentNotFound
	}
	if appt.Status == domain.AppointmentStatusCancelled {
		return appt, 0, nil
	}
	if appt.Status == domain.AppointmentStatusCompleted {
		return nil, 0, ErrAppointmentNotCancellable
	}

	if err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, domain.AppointmentStatusCancelled); err != nil {
		return nil, 0, err
	}
	appt.Status = domain.AppointmentStatusCancelled

	var refund int64
	if appt.PaymentMethod == domain.PaymentMethodMinutes {
		hoursUntil := appt.ScheduledAt.Sub(s.clock.Now()).Hours()
		refund = prorateRefundMinutes(hoursUntil, s.fullRefundHours, appt.DurationMinutes)
		if refund > 0 {
			if err := s.repo.CreditMinutes(ctx, userID, refund, domain.LedgerReasonCancellationRefund, appt.ID.String()); err != nil {
				// The cancellation itself stands; the refund is retryable by
				// support against the ledger.
				log.Printf("level=error component=service msg=\"cancellation refund credit failed\" appointment_id=%s profile_id=%s minutes=%d err=%v", appt.ID, userID, refund, err)
				return appt, 0, err
			}
			log.Printf("level=info component=service msg=\"cancellation refund credited\" appointment_id=%s profile_id=%s minutes=%d", appt.ID, userID, refund)
		}
	}
	return appt, refund, nil
}

// IssueGuestPass debits the caller's minutes balance to mint a guest pass.
// The returned id doubles as the ledger reference for the debit.
func (s *Service) IssueGuestPass(ctx context.Context, userID uuid.UUID, minutes int64) (uuid.UUID, error) {
	if minutes <= 0 {
		return uuid.Nil, ErrInvalidMinutesAmount
	}
	passID := uuid.New()
	if err := s.repo.DebitMinutes(ctx, userID, minutes, domain.LedgerReasonGuestPass, passID.String()); err != nil {
		return uuid.Nil, err
	}
	log.Printf("level=info component=service msg=\"guest pass issued\" pass_id=%s profile_id=%s minutes=%d", passID, userID, minutes)
	return passID, nil
}

// GetBalance returns the caller's profile balance together with the most
// recent ledger entries.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, []domain.LedgerEntry, error) {
	profile, err := s.repo.FindProfileByID(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	entries, err := s.repo.ListLedgerEntries(ctx, userID, 20)
	if err != nil {
		return 0, nil, err
	}
	return profile.MinutesBalance, entries, nil
}
