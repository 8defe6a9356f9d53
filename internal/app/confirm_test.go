package app

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/agendei/billing-service/internal/domain"
	"github.com/agendei/billing-service/pkg/stripegateway"
	"github.com/google/uuid"
)

var giftCodePattern = regexp.MustCompile(`^GIFT-[A-Z0-9]{8}$`)

func settledGiftPayment(reference string, amount int64) *stripegateway.Payment {
	return &stripegateway.Payment{
		Reference: reference,
		Status:    "succeeded",
		Amount:    amount,
		Currency:  "brl",
		Metadata:  map[string]string{"kind": domain.PaymentKindGiftCard},
	}
}

func TestConfirmGiftCardPayment_CreatesCardAndArtifacts(t *testing.T) {
	repo := newMemoryRepo()
	buyerID := uuid.New()
	customerID := "cus_123"
	repo.addProfile(&domain.Profile{ID: buyerID, Email: "buyer@example.com", GatewayCustomerID: &customerID})

	payment := settledGiftPayment("pi_new", 50)
	payment.CustomerID = customerID
	payment.Metadata["recipient_email"] = "friend@example.com"

	gateway := &stubGateway{payments: map[string]*stripegateway.Payment{"pi_new": payment}}
	publisher := &capturingPublisher{}
	svc := NewService(repo, gateway, publisher, fixedClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}, 24)

	resp, err := svc.ConfirmGiftCardPayment(context.Background(), "pi_new")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !resp.Success || !resp.IsNew || resp.AlreadyExists {
		t.Fatalf("expected a fresh success, got %+v", resp)
	}
	if !giftCodePattern.MatchString(resp.Code) {
		t.Fatalf("expected code matching %s, got %q", giftCodePattern, resp.Code)
	}

	card, err := repo.FindGiftCardByPaymentReference(context.Background(), "pi_new")
	if err != nil {
		t.Fatalf("expected card to exist, got %v", err)
	}
	if card.InitialBalance != 50 || card.CurrentBalance != 50 {
		t.Fatalf("expected balances of 50, got %d/%d", card.InitialBalance, card.CurrentBalance)
	}
	if card.BuyerID == nil || *card.BuyerID != buyerID {
		t.Fatalf("expected buyer %s on card, got %v", buyerID, card.BuyerID)
	}

	if _, err := repo.FindInvoiceByID(context.Background(), "pi_new"); err != nil {
		t.Fatalf("expected buyer invoice keyed by payment reference, got %v", err)
	}

	if len(publisher.notifications) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(publisher.notifications))
	}
	n := publisher.notifications[0]
	if n.Kind != domain.NotificationGiftCardPurchased || n.Recipient != "friend@example.com" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if amount, ok := n.TemplateData["giftAmount"].(int64); !ok || amount != 50 {
		t.Fatalf("expected giftAmount=50, got %v", n.TemplateData["giftAmount"])
	}
}

func TestConfirmGiftCardPayment_ExistingCardSkipsGateway(t *testing.T) {
	repo := newMemoryRepo()
	ref := "pi_existing"
	card := &domain.GiftCard{
		ID:               uuid.New(),
		Code:             "GIFT-AAAA1111",
		Status:           domain.GiftCardStatusActive,
		Type:             domain.GiftCardTypeGiftCard,
		PaymentReference: &ref,
	}
	repo.giftCards[card.ID] = card

	gateway := &stubGateway{}
	svc := NewService(repo, gateway, &capturingPublisher{}, nil, 24)

	resp, err := svc.ConfirmGiftCardPayment(context.Background(), ref)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !resp.Success || !resp.AlreadyExists || resp.Code != "GIFT-AAAA1111" {
		t.Fatalf("expected existing card response, got %+v", resp)
	}
	if gateway.calls != 0 {
		t.Fatalf("expected no gateway calls for an existing card, got %d", gateway.calls)
	}
}

func TestConfirmGiftCardPayment_UnsettledPaymentFails(t *testing.T) {
	repo := newMemoryRepo()
	payment := settledGiftPayment("pi_pending", 50)
	payment.Status = "requires_payment_method"
	gateway := &stubGateway{payments: map[string]*stripegateway.Payment{"pi_pending": payment}}
	svc := NewService(repo, gateway, &capturingPublisher{}, nil, 24)

	_, err := svc.ConfirmGiftCardPayment(context.Background(), "pi_pending")
	if !errors.Is(err, ErrPaymentNotSettled) {
		t.Fatalf("expected ErrPaymentNotSettled, got %v", err)
	}
	if len(repo.giftCards) != 0 {
		t.Fatal("expected no card for an unsettled payment")
	}
}

func TestConfirmGiftCardPayment_EmptyReferenceRejected(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubGateway{}, &capturingPublisher{}, nil, 24)
	if _, err := svc.ConfirmGiftCardPayment(context.Background(), "  "); !errors.Is(err, ErrInvalidPaymentReference) {
		t.Fatalf("expected ErrInvalidPaymentReference, got %v", err)
	}
}

func TestConfirmGiftCardPayment_ReplaysConvergeOnOneCard(t *testing.T) {
	repo := newMemoryRepo()
	payment := settledGiftPayment("pi_replay", 75)
	gateway := &stubGateway{payments: map[string]*stripegateway.Payment{"pi_replay": payment}}
	publisher := &capturingPublisher{}
	svc := NewService(repo, gateway, publisher, nil, 24)

	first, err := svc.ConfirmGiftCardPayment(context.Background(), "pi_replay")
	if err != nil {
		t.Fatalf("first confirm failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		resp, err := svc.ConfirmGiftCardPayment(context.Background(), "pi_replay")
		if err != nil {
			t.Fatalf("replay %d failed: %v", i, err)
		}
		if !resp.AlreadyExists || resp.Code != first.Code {
			t.Fatalf("replay %d: expected existing card %q, got %+v", i, first.Code, resp)
		}
	}
	if len(repo.giftCards) != 1 {
		t.Fatalf("expected exactly one card, got %d", len(repo.giftCards))
	}
}

func TestConfirmGiftCardPayment_ConcurrentCallersConverge(t *testing.T) {
	repo := newMemoryRepo()
	payment := settledGiftPayment("pi_race", 75)
	gateway := &stubGateway{payments: map[string]*stripegateway.Payment{"pi_race": payment}}
	svc := NewService(repo, gateway, &capturingPublisher{}, nil, 24)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ConfirmGiftCardPayment(context.Background(), "pi_race")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if len(repo.giftCards) != 1 {
		t.Fatalf("expected exactly one card after concurrent confirms, got %d", len(repo.giftCards))
	}
}

func TestConfirmGiftCardPayment_RateLimited(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubGateway{}, &capturingPublisher{}, nil, 24)
	svc.SetVerifyRateLimiter(denyAllLimiter{}, 1)

	if _, err := svc.ConfirmGiftCardPayment(context.Background(), "pi_limited"); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) Consume(ctx context.Context, scope, subject string, limit, windowSeconds int) (bool, error) {
	return false, nil
}
