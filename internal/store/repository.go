/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the billing-service. The interface
 * decouples the business logic from the PostgreSQL implementation and lets tests
 * substitute in-memory fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Profile methods
	FindProfileByID(ctx context.Context, profileID uuid.UUID) (*domain.Profile, error)
	FindProfileByGatewayCustomerID(ctx context.Context, customerID string) (*domain.Profile, error)
	FindProfileByEmail(ctx context.Context, email string) (*domain.Profile, error)
	UpdateSubscriptionStatus(ctx context.Context, profileID uuid.UUID, status string) error
	SetSubscription(ctx context.Context, profileID uuid.UUID, planID, subscriptionID, status string) error
	ClearSubscription(ctx context.Context, profileID uuid.UUID, status string) error

	// Minutes ledger methods. Both mutations apply the delta and append the
	// ledger entry inside one database transaction; the debit is conditional on
	// sufficient balance and returns ErrInsufficientMinutes without touching the
	// row otherwise.
	CreditMinutes(ctx context.Context, profileID uuid.UUID, minutes int64, reason, reference string) error
	DebitMinutes(ctx context.Context, profileID uuid.UUID, minutes int64, reason, reference string) error
	ListLedgerEntries(ctx context.Context, profileID uuid.UUID, limit int) ([]domain.LedgerEntry, error)

	// Invoice methods. UpsertInvoice is conflict-free by primary key: replaying
	// the same payment reference can never create a second row.
	UpsertInvoice(ctx context.Context, invoice *domain.Invoice) error
	FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, from, to time.Time) ([]domain.Invoice, error)

	// Gift card methods. CreateGiftCard is a conditional insert guarded by the
	// unique payment_reference constraint; inserted=false means another writer
	// already holds the reference.
	CreateGiftCard(ctx context.Context, card *domain.GiftCard) (inserted bool, err error)
	FindGiftCardByPaymentReference(ctx context.Context, reference string) (*domain.GiftCard, error)
	FindGiftCardByCode(ctx context.Context, code string) (*domain.GiftCard, error)
	ListGiftCards(ctx context.Context, from, to time.Time) ([]domain.GiftCard, error)

	// Appointment methods
	CreateAppointment(ctx context.Context, appt *domain.Appointment) error
	FindAppointmentByID(ctx context.Context, apptID uuid.UUID) (*domain.Appointment, error)
	FindAppointmentByUserAndTime(ctx context.Context, userID uuid.UUID, scheduledAt time.Time) (*domain.Appointment, error)
	UpdateAppointmentPayment(ctx context.Context, apptID uuid.UUID, paymentMethod, status string) error
	UpdateAppointmentStatus(ctx context.Context, apptID uuid.UUID, status string) error
	ListCompletedAppointments(ctx context.Context, from, to time.Time) ([]domain.Appointment, error)

	// Plan methods
	FindPlanByPriceID(ctx context.Context, priceID string) (*domain.Plan, error)
}
