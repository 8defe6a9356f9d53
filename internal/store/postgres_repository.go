/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL queries for profiles, the minutes ledger, invoices,
 * gift cards, appointments and plans.
 *
 * Key invariants enforced here rather than in application code:
 * - Invoices upsert by primary key (the external payment reference), so a
 *   replayed event can only ever touch the same row.
 * - Gift cards carry a UNIQUE payment_reference; creation is a single atomic
 *   conditional insert (ON CONFLICT DO NOTHING), not a check-then-insert.
 * - Minutes mutations are single-statement balance updates plus an append-only
 *   ledger entry inside one transaction, so concurrent credits and debits on the
 *   same profile cannot lose updates.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrGiftCardNotFound    = errors.New("gift card not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrInsufficientMinutes = errors.New("insufficient minutes balance")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Profiles ---

const profileColumns = `id, email, COALESCE(full_name, '') AS full_name, minutes_balance, plan_id, subscription_id, COALESCE(subscription_status, '') AS subscription_status, gateway_customer_id, created_at, updated_at`

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	var p domain.Profile
	err := row.Scan(
		&p.ID, &p.Email, &p.FullName, &p.MinutesBalance, &p.PlanID,
		&p.SubscriptionID, &p.SubscriptionStatus, &p.GatewayCustomerID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindProfileByID retrieves a profile by its primary key.
func (r *PostgresRepository) FindProfileByID(ctx context.Context, profileID uuid.UUID) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	return scanProfile(r.db.QueryRow(ctx, query, profileID))
}

// FindProfileByGatewayCustomerID resolves the profile tied to a gateway customer id.
// Subscription lifecycle events identify the user this way.
func (r *PostgresRepository) FindProfileByGatewayCustomerID(ctx context.Context, customerID string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE gateway_customer_id = $1`
	return scanProfile(r.db.QueryRow(ctx, query, customerID))
}

// FindProfileByEmail retrieves a profile by e-mail (case-insensitive).
func (r *PostgresRepository) FindProfileByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE lower(btrim(email)) = lower(btrim($1))`
	return scanProfile(r.db.QueryRow(ctx, query, email))
}

// UpdateSubscriptionStatus sets only the subscription status of a profile.
func (r *PostgresRepository) UpdateSubscriptionStatus(ctx context.Context, profileID uuid.UUID, status string) error {
	query := `UPDATE profiles SET subscription_status = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, status, profileID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SetSubscription records the plan and subscription ids after a successful
// subscription payment.
func (r *PostgresRepository) SetSubscription(ctx context.Context, profileID uuid.UUID, planID, subscriptionID, status string) error {
	query := `
		UPDATE profiles
		SET plan_id = $1, subscription_id = $2, subscription_status = $3, updated_at = NOW()
		WHERE id = $4
	`
	result, err := r.db.Exec(ctx, query, planID, subscriptionID, status, profileID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// ClearSubscription removes the plan and subscription ids when a subscription is
// deleted at the gateway.
func (r *PostgresRepository) ClearSubscription(ctx context.Context, profileID uuid.UUID, status string) error {
	query := `
		UPDATE profiles
		SET plan_id = NULL, subscription_id = NULL, subscription_status = $1, updated_at = NOW()
		WHERE id = $2
	`
	result, err := r.db.Exec(ctx, query, status, profileID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// --- Minutes ledger ---

// CreditMinutes adds minutes to a profile balance and appends the ledger entry
// in one transaction. The balance update is a single-statement increment, so
// concurrent mutations serialize at the row level.
func (r *PostgresRepository) CreditMinutes(ctx context.Context, profileID uuid.UUID, minutes int64, reason, reference string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE profiles SET minutes_balance = minutes_balance + $1, updated_at = NOW() WHERE id = $2`,
		minutes, profileID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrProfileNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO minutes_ledger_entries (id, profile_id, delta, reason, reference) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), profileID, minutes, reason, reference,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DebitMinutes subtracts minutes from a profile balance, rejecting the debit
// when the balance is insufficient. The balance check and the decrement are one
// conditional UPDATE: the balance can never go negative and a losing concurrent
// debit simply matches zero rows.
func (r *PostgresRepository) DebitMinutes(ctx context.Context, profileID uuid.UUID, minutes int64, reason, reference string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE profiles SET minutes_balance = minutes_balance - $1, updated_at = NOW() WHERE id = $2 AND minutes_balance >= $1`,
		minutes, profileID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing profile from an insufficient balance.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, profileID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrProfileNotFound
		}
		return ErrInsufficientMinutes
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO minutes_ledger_entries (id, profile_id, delta, reason, reference) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), profileID, -minutes, reason, reference,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListLedgerEntries returns the most recent ledger entries for a profile.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, profileID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := `
		SELECT id, profile_id, delta, reason, COALESCE(reference, '') AS reference, created_at
		FROM minutes_ledger_entries
		WHERE profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Delta, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Invoices ---

// UpsertInvoice inserts or updates an invoice keyed by its id. For
// gateway-sourced invoices the id is the payment reference, which makes this the
// strong idempotency case: a redelivered event converges on the same row.
func (r *PostgresRepository) UpsertInvoice(ctx context.Context, invoice *domain.Invoice) error {
	query := `
		INSERT INTO invoices (id, user_id, amount, date, status, plan_title, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			user_id        = COALESCE(EXCLUDED.user_id, invoices.user_id),
			amount         = EXCLUDED.amount,
			date           = EXCLUDED.date,
			status         = EXCLUDED.status,
			plan_title     = EXCLUDED.plan_title,
			payment_method = EXCLUDED.payment_method,
			updated_at     = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		invoice.ID, invoice.UserID, invoice.Amount, invoice.Date,
		invoice.Status, invoice.PlanTitle, invoice.PaymentMethod,
	)
	return err
}

// FindInvoiceByID retrieves an invoice by its id / payment reference.
func (r *PostgresRepository) FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	query := `
		SELECT id, user_id, amount, date, status, COALESCE(plan_title, '') AS plan_title,
		       COALESCE(payment_method, '') AS payment_method, created_at, updated_at
		FROM invoices WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&inv.ID, &inv.UserID, &inv.Amount, &inv.Date, &inv.Status,
		&inv.PlanTitle, &inv.PaymentMethod, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// ListInvoices returns invoices within [from, to], newest first.
func (r *PostgresRepository) ListInvoices(ctx context.Context, from, to time.Time) ([]domain.Invoice, error) {
	query := `
		SELECT id, user_id, amount, date, status, COALESCE(plan_title, '') AS plan_title,
		       COALESCE(payment_method, '') AS payment_method, created_at, updated_at
		FROM invoices
		WHERE date >= $1 AND date <= $2
		ORDER BY date DESC
	`
	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(
			&inv.ID, &inv.UserID, &inv.Amount, &inv.Date, &inv.Status,
			&inv.PlanTitle, &inv.PaymentMethod, &inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// --- Gift cards ---

const giftCardColumns = `id, code, initial_balance, current_balance, status, type, payment_reference, metadata, buyer_id, recipient_id, recipient_email, created_at, updated_at`

func scanGiftCard(row pgx.Row) (*domain.GiftCard, error) {
	var card domain.GiftCard
	err := row.Scan(
		&card.ID, &card.Code, &card.InitialBalance, &card.CurrentBalance,
		&card.Status, &card.Type, &card.PaymentReference, &card.Metadata,
		&card.BuyerID, &card.RecipientID, &card.RecipientEmail,
		&card.CreatedAt, &card.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGiftCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// CreateGiftCard inserts a gift card. When the card carries a payment reference
// the insert is conditional on the UNIQUE constraint: a concurrent or replayed
// creation for the same reference matches the conflict target and inserts
// nothing, which this method reports as inserted=false instead of an error.
func (r *PostgresRepository) CreateGiftCard(ctx context.Context, card *domain.GiftCard) (bool, error) {
	query := `
		INSERT INTO gift_cards (id, code, initial_balance, current_balance, status, type,
		                        payment_reference, metadata, buyer_id, recipient_id, recipient_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_reference) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		card.ID, card.Code, card.InitialBalance, card.CurrentBalance,
		card.Status, card.Type, card.PaymentReference, card.Metadata,
		card.BuyerID, card.RecipientID, card.RecipientEmail,
	)
	if err != nil {
		// The code column is unique too; surface a duplicate code as a conflict
		// rather than a hard failure so the caller can regenerate.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FindGiftCardByPaymentReference is the read side of the idempotency guard. It
// matches the dedicated reference column first and falls back to a containment
// query over the metadata document for rows created before the column existed.
func (r *PostgresRepository) FindGiftCardByPaymentReference(ctx context.Context, reference string) (*domain.GiftCard, error) {
	query := `
		SELECT ` + giftCardColumns + `
		FROM gift_cards
		WHERE payment_reference = $1
		   OR metadata @> jsonb_build_object('payment_reference', $1::text)
		LIMIT 1
	`
	return scanGiftCard(r.db.QueryRow(ctx, query, reference))
}

// FindGiftCardByCode retrieves a gift card by its human-facing code.
func (r *PostgresRepository) FindGiftCardByCode(ctx context.Context, code string) (*domain.GiftCard, error) {
	query := `SELECT ` + giftCardColumns + ` FROM gift_cards WHERE code = $1`
	return scanGiftCard(r.db.QueryRow(ctx, query, code))
}

// ListGiftCards returns gift cards created within [from, to], newest first.
func (r *PostgresRepository) ListGiftCards(ctx context.Context, from, to time.Time) ([]domain.GiftCard, error) {
	query := `
		SELECT ` + giftCardColumns + `
		FROM gift_cards
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []domain.GiftCard
	for rows.Next() {
		var card domain.GiftCard
		if err := rows.Scan(
			&card.ID, &card.Code, &card.InitialBalance, &card.CurrentBalance,
			&card.Status, &card.Type, &card.PaymentReference, &card.Metadata,
			&card.BuyerID, &card.RecipientID, &card.RecipientEmail,
			&card.CreatedAt, &card.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// --- Appointments ---

const appointmentColumns = `id, user_id, scheduled_at, duration_minutes, status, COALESCE(payment_method, '') AS payment_method, price, created_at, updated_at`

func scanAppointment(row pgx.Row) (*domain.Appointment, error) {
	var appt domain.Appointment
	err := row.Scan(
		&appt.ID, &appt.UserID, &appt.ScheduledAt, &appt.DurationMinutes,
		&appt.Status, &appt.PaymentMethod, &appt.Price, &appt.CreatedAt, &appt.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &appt, nil
}

// CreateAppointment inserts a new appointment row.
func (r *PostgresRepository) CreateAppointment(ctx context.Context, appt *domain.Appointment) error {
	query := `
		INSERT INTO appointments (id, user_id, scheduled_at, duration_minutes, status, payment_method, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		appt.ID, appt.UserID, appt.ScheduledAt, appt.DurationMinutes,
		appt.Status, appt.PaymentMethod, appt.Price,
	)
	return err
}

// FindAppointmentByID retrieves an appointment by its primary key.
func (r *PostgresRepository) FindAppointmentByID(ctx context.Context, apptID uuid.UUID) (*domain.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	return scanAppointment(r.db.QueryRow(ctx, query, apptID))
}

// FindAppointmentByUserAndTime looks an appointment up by its natural key: the
// owner plus the exact scheduled timestamp. The event ingestor uses this to
// reconnect a confirmed payment with a booking whose browser session was lost.
func (r *PostgresRepository) FindAppointmentByUserAndTime(ctx context.Context, userID uuid.UUID, scheduledAt time.Time) (*domain.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE user_id = $1 AND scheduled_at = $2`
	return scanAppointment(r.db.QueryRow(ctx, query, userID, scheduledAt))
}

// UpdateAppointmentPayment normalizes the payment method and status after a
// confirmed payment.
func (r *PostgresRepository) UpdateAppointmentPayment(ctx context.Context, apptID uuid.UUID, paymentMethod, status string) error {
	query := `UPDATE appointments SET payment_method = $1, status = $2, updated_at = NOW() WHERE id = $3`
	result, err := r.db.Exec(ctx, query, paymentMethod, status, apptID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// UpdateAppointmentStatus sets only the appointment status.
func (r *PostgresRepository) UpdateAppointmentStatus(ctx context.Context, apptID uuid.UUID, status string) error {
	query := `UPDATE appointments SET status = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, status, apptID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// ListCompletedAppointments returns appointments with status Concluído scheduled
// within [from, to], newest first.
func (r *PostgresRepository) ListCompletedAppointments(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE status = $1 AND scheduled_at >= $2 AND scheduled_at <= $3
		ORDER BY scheduled_at DESC
	`
	rows, err := r.db.Query(ctx, query, domain.AppointmentStatusCompleted, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []domain.Appointment
	for rows.Next() {
		var appt domain.Appointment
		if err := rows.Scan(
			&appt.ID, &appt.UserID, &appt.ScheduledAt, &appt.DurationMinutes,
			&appt.Status, &appt.PaymentMethod, &appt.Price, &appt.CreatedAt, &appt.UpdatedAt,
		); err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

// --- Plans ---

// FindPlanByPriceID retrieves the plan tied to a gateway price id.
func (r *PostgresRepository) FindPlanByPriceID(ctx context.Context, priceID string) (*domain.Plan, error) {
	var plan domain.Plan
	query := `SELECT price_id, title, minutes FROM plans WHERE price_id = $1`
	err := r.db.QueryRow(ctx, query, priceID).Scan(&plan.PriceID, &plan.Title, &plan.Minutes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}
