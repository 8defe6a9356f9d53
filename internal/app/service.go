/**
 * @description
 * This file defines the Service layer for the billing-service. The service owns
 * every monetary decision: confirming gift-card payments, ingesting gateway
 * events, mutating the prepaid minutes ledger, and assembling the billing
 * report. Handlers stay thin and delegate here; the repository stays dumb and
 * only moves rows.
 *
 * @dependencies
 * - internal/store: The data access layer.
 * - pkg/stripegateway: The payment gateway client.
 * - pkg/rabbitmq: The notification publisher.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"

	"github.com/agendei/billing-service/internal/store"
	"github.com/agendei/billing-service/pkg/rabbitmq"
	"github.com/agendei/billing-service/pkg/stripegateway"
)

var (
	// ErrPaymentNotSettled means the gateway answered but the payment has not
	// succeeded. The caller must report an explicit failure, never a retry loop.
	ErrPaymentNotSettled = errors.New("payment is not settled")
	// ErrInvalidPaymentReference means the confirmation request carried an empty
	// or malformed reference.
	ErrInvalidPaymentReference = errors.New("invalid payment reference")
	// ErrInvalidMinutesAmount means a ledger mutation was requested with a
	// non-positive minutes amount.
	ErrInvalidMinutesAmount = errors.New("minutes amount must be positive")
	// ErrTooManyRequests means the per-subject rate limit for the synchronous
	// confirmation path was exhausted.
	ErrTooManyRequests = errors.New("too many requests")
)

// PaymentGateway is the slice of the gateway client the service depends on.
// Webhook signature verification stays at the transport layer; the service only
// ever asks for the authoritative state of a payment.
type PaymentGateway interface {
	RetrievePayment(ctx context.Context, reference string) (*stripegateway.Payment, error)
}

// RateLimiter abstracts a fixed-window rate limiter (Redis-backed in
// production). Implementations must fail open: an infrastructure error should
// not block payment confirmations.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, windowSeconds int) (allowed bool, err error)
}

// Service contains the business logic of the billing core.
type Service struct {
	repo     store.Repository
	gateway  PaymentGateway
	notifier rabbitmq.Publisher
	clock    Clock

	// Hours before the scheduled time above which a cancellation refunds the
	// full appointment duration.
	fullRefundHours float64

	verifyLimiter        RateLimiter
	verifyLimitPerMinute int
}

// NewService creates a new Service with its dependencies.
func NewService(repo store.Repository, gateway PaymentGateway, notifier rabbitmq.Publisher, clock Clock, fullRefundHours float64) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	if fullRefundHours <= 0 {
		fullRefundHours = 24
	}
	return &Service{
		repo:            repo,
		gateway:         gateway,
		notifier:        notifier,
		clock:           clock,
		fullRefundHours: fullRefundHours,
	}
}

// SetVerifyRateLimiter wires an optional rate limiter for the synchronous
// confirmation endpoint. When unset the endpoint is unlimited.
func (s *Service) SetVerifyRateLimiter(limiter RateLimiter, perMinute int) {
	s.verifyLimiter = limiter
	s.verifyLimitPerMinute = perMinute
}

func (s *Service) checkVerifyRateLimit(ctx context.Context, subject string) error {
	if s.verifyLimiter == nil || s.verifyLimitPerMinute <= 0 {
		return nil
	}
	allowed, err := s.verifyLimiter.Consume(ctx, "verify_payment", subject, s.verifyLimitPerMinute, 60)
	if err != nil {
		// Fail open: a limiter outage must not block legitimate confirmations.
		log.Printf("level=warn component=service msg=\"rate limiter unavailable; allowing request\" subject=%s err=%v", subject, err)
		return nil
	}
	if !allowed {
		return ErrTooManyRequests
	}
	return nil
}

const giftCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateGiftCode returns a fresh code of the form GIFT-XXXXXXXX where X is an
// uppercase alphanumeric character.
func generateGiftCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate gift code: %w", err)
	}
	for i, b := range buf {
		buf[i] = giftCodeAlphabet[int(b)%len(giftCodeAlphabet)]
	}
	return "GIFT-" + string(buf), nil
}
