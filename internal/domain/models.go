/**
 * @description
 * This file defines the core domain models for the billing-service. These structs
 * represent the main entities used throughout the service's business logic,
 * database interactions, and API layers.
 *
 * @notes
 * - Monetary amounts are stored as `int64` in the smallest currency unit (cents),
 *   which avoids floating-point inaccuracies with financial data.
 * - Minutes balances are plain int64 counts of prepaid service minutes.
 * - Invoice.ID equals the external payment reference when the invoice is
 *   gateway-sourced; that equality is the strongest idempotency guarantee in the
 *   system because the invoices table upserts by primary key.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Appointment lifecycle statuses. The platform stores these in Portuguese.
const (
	AppointmentStatusPending   = "Pendente"
	AppointmentStatusConfirmed = "Confirmado"
	AppointmentStatusCompleted = "Concluído"
	AppointmentStatusCancelled = "Cancelado"
)

// Payment methods recorded on invoices and appointments.
const (
	PaymentMethodCard     = "card"
	PaymentMethodPix      = "pix"
	PaymentMethodCash     = "cash"
	PaymentMethodMinutes  = "minutes"
	PaymentMethodExternal = "external" // settled through an outside channel, never billed here
)

// Gift card statuses and types.
const (
	GiftCardStatusActive    = "active"
	GiftCardStatusUsed      = "used"
	GiftCardStatusExpired   = "expired"
	GiftCardStatusCancelled = "cancelled"

	GiftCardTypeGiftCard  = "gift_card"
	GiftCardTypePromoCode = "promo_code"
)

// Subscription statuses mirrored from the payment gateway.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// Profile represents a user account as seen by the billing core: the prepaid
// minutes balance plus the subscription lifecycle fields mutated by gateway events.
type Profile struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	FullName           string    `json:"full_name"`
	MinutesBalance     int64     `json:"minutes_balance"`
	PlanID             *string   `json:"plan_id,omitempty"`
	SubscriptionID     *string   `json:"subscription_id,omitempty"`
	SubscriptionStatus string    `json:"subscription_status"`
	GatewayCustomerID  *string   `json:"gateway_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Invoice is the durable record of one settled charge. Gateway-sourced invoices
// use the external payment reference as their primary key.
type Invoice struct {
	ID            string     `json:"id"`
	UserID        *uuid.UUID `json:"user_id,omitempty"` // nil for counter/anonymous sales
	Amount        int64      `json:"amount"`            // in cents
	Date          time.Time  `json:"date"`
	Status        string     `json:"status"`
	PlanTitle     string     `json:"plan_title,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GiftCard represents a purchasable gift card or a promo code. Gateway-sourced
// cards carry the external payment reference both as a dedicated unique column
// and inside the metadata document.
type GiftCard struct {
	ID               uuid.UUID      `json:"id"`
	Code             string         `json:"code"`
	InitialBalance   int64          `json:"initial_balance"` // in cents
	CurrentBalance   int64          `json:"current_balance"` // in cents
	Status           string         `json:"status"`
	Type             string         `json:"type"`
	PaymentReference *string        `json:"payment_reference,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	BuyerID          *uuid.UUID     `json:"buyer_id,omitempty"`
	RecipientID      *uuid.UUID     `json:"recipient_id,omitempty"`
	RecipientEmail   *string        `json:"recipient_email,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Appointment represents one scheduled session. (user_id, scheduled_at) is the
// natural key the event ingestor uses to find-or-create lost browser sessions.
type Appointment struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int64     `json:"duration_minutes"`
	Status          string    `json:"status"`
	PaymentMethod   string    `json:"payment_method"`
	Price           int64     `json:"price"` // in cents
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Plan describes a subscription plan keyed by the gateway price id. Renewal
// events credit Minutes to the subscriber's profile.
type Plan struct {
	PriceID string `json:"price_id"`
	Title   string `json:"title"`
	Minutes int64  `json:"minutes"`
}

// LedgerEntry is one signed delta applied to a profile's minutes balance.
// Entries are append-only; the profile balance is the authoritative running sum.
type LedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	ProfileID uuid.UUID `json:"profile_id"`
	Delta     int64     `json:"delta"` // positive = credit, negative = debit
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger entry reasons.
const (
	LedgerReasonRenewalCredit      = "renewal_credit"
	LedgerReasonGuestPass          = "guest_pass"
	LedgerReasonCancellationRefund = "cancellation_refund"
)

// BillingRecord is the derived, non-persisted unit of output of the billing
// aggregator: one reportable revenue event.
type BillingRecord struct {
	ID          string     `json:"id"`
	Date        time.Time  `json:"date"`
	Description string     `json:"description"`
	Amount      int64      `json:"amount"` // in cents
	Method      string     `json:"method"`
	Client      string     `json:"client"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
}

// ConfirmPaymentRequest is the DTO for the client-triggered confirmation action.
type ConfirmPaymentRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// ConfirmPaymentResponse reports the outcome of a confirmation attempt.
type ConfirmPaymentResponse struct {
	Success       bool   `json:"success"`
	Code          string `json:"code,omitempty"`
	Error         string `json:"error,omitempty"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
	IsNew         bool   `json:"isNew,omitempty"`
}

// GuestPassRequest is the DTO for issuing a guest pass against the minutes balance.
type GuestPassRequest struct {
	Minutes int64 `json:"minutes"`
}
