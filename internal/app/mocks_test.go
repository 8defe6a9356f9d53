package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/agendei/billing-service/internal/store"
	"github.com/agendei/billing-service/pkg/stripegateway"
	"github.com/google/uuid"
)

// memoryRepo is a stateful in-memory Repository used across the service tests.
// It mirrors the store's idempotency behavior: invoices upsert by id and gift
// card inserts are conditional on the payment reference.
type memoryRepo struct {
	mu           sync.Mutex
	profiles     map[uuid.UUID]*domain.Profile
	invoices     map[string]*domain.Invoice
	giftCards    map[uuid.UUID]*domain.GiftCard
	appointments map[uuid.UUID]*domain.Appointment
	plans        map[string]*domain.Plan
	ledger       []domain.LedgerEntry
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		profiles:     make(map[uuid.UUID]*domain.Profile),
		invoices:     make(map[string]*domain.Invoice),
		giftCards:    make(map[uuid.UUID]*domain.GiftCard),
		appointments: make(map[uuid.UUID]*domain.Appointment),
		plans:        make(map[string]*domain.Plan),
	}
}

func (r *memoryRepo) addProfile(p *domain.Profile) { r.profiles[p.ID] = p }
func (r *memoryRepo) addPlan(p *domain.Plan)       { r.plans[p.PriceID] = p }

func (r *memoryRepo) FindProfileByID(ctx context.Context, profileID uuid.UUID) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[profileID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, store.ErrProfileNotFound
}

func (r *memoryRepo) FindProfileByGatewayCustomerID(ctx context.Context, customerID string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if p.GatewayCustomerID != nil && *p.GatewayCustomerID == customerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrProfileNotFound
}

func (r *memoryRepo) FindProfileByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrProfileNotFound
}

func (r *memoryRepo) UpdateSubscriptionStatus(ctx context.Context, profileID uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return store.ErrProfileNotFound
	}
	p.SubscriptionStatus = status
	return nil
}

func (r *memoryRepo) SetSubscription(ctx context.Context, profileID uuid.UUID, planID, subscriptionID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return store.ErrProfileNotFound
	}
	p.PlanID = &planID
	p.SubscriptionID = &subscriptionID
	p.SubscriptionStatus = status
	return nil
}

func (r *memoryRepo) ClearSubscription(ctx context.Context, profileID uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return store.ErrProfileNotFound
	}
	p.PlanID = nil
	p.SubscriptionID = nil
	p.SubscriptionStatus = status
	return nil
}

func (r *memoryRepo) CreditMinutes(ctx context.Context, profileID uuid.UUID, minutes int64, reason, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return store.ErrProfileNotFound
	}
	p.MinutesBalance += minutes
	r.ledger = append(r.ledger, domain.LedgerEntry{
		ID: uuid.New(), ProfileID: profileID, Delta: minutes, Reason: reason, Reference: reference,
	})
	return nil
}

func (r *memoryRepo) DebitMinutes(ctx context.Context, profileID uuid.UUID, minutes int64, reason, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return store.ErrProfileNotFound
	}
	if p.MinutesBalance < minutes {
		return store.ErrInsufficientMinutes
	}
	p.MinutesBalance -= minutes
	r.ledger = append(r.ledger, domain.LedgerEntry{
		ID: uuid.New(), ProfileID: profileID, Delta: -minutes, Reason: reason, Reference: reference,
	})
	return nil
}

func (r *memoryRepo) ListLedgerEntries(ctx context.Context, profileID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(r.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if r.ledger[i].ProfileID == profileID {
			out = append(out, r.ledger[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) UpsertInvoice(ctx context.Context, invoice *domain.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *invoice
	if existing, ok := r.invoices[invoice.ID]; ok && cp.UserID == nil {
		cp.UserID = existing.UserID
	}
	r.invoices[invoice.ID] = &cp
	return nil
}

func (r *memoryRepo) FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv, ok := r.invoices[id]; ok {
		cp := *inv
		return &cp, nil
	}
	return nil, store.ErrInvoiceNotFound
}

func (r *memoryRepo) ListInvoices(ctx context.Context, from, to time.Time) ([]domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range r.invoices {
		if !inv.Date.Before(from) && !inv.Date.After(to) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateGiftCard(ctx context.Context, card *domain.GiftCard) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if card.PaymentReference != nil {
		for _, existing := range r.giftCards {
			if existing.PaymentReference != nil && *existing.PaymentReference == *card.PaymentReference {
				return false, nil
			}
		}
	}
	cp := *card
	r.giftCards[card.ID] = &cp
	return true, nil
}

func (r *memoryRepo) FindGiftCardByPaymentReference(ctx context.Context, reference string) (*domain.GiftCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, card := range r.giftCards {
		if card.PaymentReference != nil && *card.PaymentReference == reference {
			cp := *card
			return &cp, nil
		}
		if ref, ok := card.Metadata["payment_reference"].(string); ok && ref == reference {
			cp := *card
			return &cp, nil
		}
	}
	return nil, store.ErrGiftCardNotFound
}

func (r *memoryRepo) FindGiftCardByCode(ctx context.Context, code string) (*domain.GiftCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, card := range r.giftCards {
		if card.Code == code {
			cp := *card
			return &cp, nil
		}
	}
	return nil, store.ErrGiftCardNotFound
}

func (r *memoryRepo) ListGiftCards(ctx context.Context, from, to time.Time) ([]domain.GiftCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GiftCard
	for _, card := range r.giftCards {
		out = append(out, *card)
	}
	return out, nil
}

func (r *memoryRepo) CreateAppointment(ctx context.Context, appt *domain.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *appt
	r.appointments[appt.ID] = &cp
	return nil
}

func (r *memoryRepo) FindAppointmentByID(ctx context.Context, apptID uuid.UUID) (*domain.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appt, ok := r.appointments[apptID]; ok {
		cp := *appt
		return &cp, nil
	}
	return nil, store.ErrAppointmentNotFound
}

func (r *memoryRepo) FindAppointmentByUserAndTime(ctx context.Context, userID uuid.UUID, scheduledAt time.Time) (*domain.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, appt := range r.appointments {
		if appt.UserID == userID && appt.ScheduledAt.Equal(scheduledAt) {
			cp := *appt
			return &cp, nil
		}
	}
	return nil, store.ErrAppointmentNotFound
}

func (r *memoryRepo) UpdateAppointmentPayment(ctx context.Context, apptID uuid.UUID, paymentMethod, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appointments[apptID]
	if !ok {
		return store.ErrAppointmentNotFound
	}
	appt.PaymentMethod = paymentMethod
	appt.Status = status
	return nil
}

func (r *memoryRepo) UpdateAppointmentStatus(ctx context.Context, apptID uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appointments[apptID]
	if !ok {
		return store.ErrAppointmentNotFound
	}
	appt.Status = status
	return nil
}

func (r *memoryRepo) ListCompletedAppointments(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Appointment
	for _, appt := range r.appointments {
		if appt.Status == domain.AppointmentStatusCompleted && !appt.ScheduledAt.Before(from) && !appt.ScheduledAt.After(to) {
			out = append(out, *appt)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindPlanByPriceID(ctx context.Context, priceID string) (*domain.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if plan, ok := r.plans[priceID]; ok {
		cp := *plan
		return &cp, nil
	}
	return nil, store.ErrPlanNotFound
}

// stubGateway serves canned payments and counts lookups.
type stubGateway struct {
	mu       sync.Mutex
	payments map[string]*stripegateway.Payment
	err      error
	calls    int
}

func (g *stubGateway) RetrievePayment(ctx context.Context, reference string) (*stripegateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if p, ok := g.payments[reference]; ok {
		return p, nil
	}
	return nil, errors.New("payment not found")
}

// capturingPublisher records published notifications.
type capturingPublisher struct {
	mu            sync.Mutex
	notifications []domain.Notification
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *capturingPublisher) PublishNotification(ctx context.Context, notification domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, notification)
	return nil
}

func (p *capturingPublisher) Close() {}

// fixedClock pins "now" for deterministic proration.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
