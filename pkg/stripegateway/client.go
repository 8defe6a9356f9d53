/**
 * @description
 * This package provides the client for the payment gateway (Stripe). It is the
 * single place that talks to the gateway API: retrieving the authoritative
 * status of a payment for the synchronous confirmation path and verifying the
 * signature of inbound webhook payloads.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v78: The official Stripe SDK.
 */
package stripegateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrUnavailable wraps transport-level failures talking to the gateway so
// callers can distinguish "the gateway said no" from "the gateway did not answer".
var ErrUnavailable = errors.New("payment gateway unavailable")

// Payment is the gateway-neutral view of one charge attempt.
type Payment struct {
	Reference     string
	Status        string
	Amount        int64 // in cents
	Currency      string
	CustomerID    string
	ReceiptEmail  string
	PaymentMethod string
	Metadata      map[string]string
}

// Succeeded reports whether the charge settled.
func (p *Payment) Succeeded() bool {
	return p != nil && p.Status == string(stripe.PaymentIntentStatusSucceeded)
}

// Client wraps the Stripe API and the webhook secret.
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient creates a gateway client for the given API key and webhook secret.
func NewClient(apiKey, webhookSecret string) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Client{api: api, webhookSecret: webhookSecret}
}

// RetrievePayment fetches the current state of a payment intent by its reference.
func (c *Client) RetrievePayment(ctx context.Context, reference string) (*Payment, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	}
	intent, err := c.api.PaymentIntents.Get(reference, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			return nil, fmt.Errorf("payment %s not found: %w", reference, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return paymentFromIntent(intent), nil
}

// ConstructEvent verifies the webhook signature and decodes the event payload.
// Verification fails closed: any mismatch is an error, never a pass-through.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
}

func paymentFromIntent(intent *stripe.PaymentIntent) *Payment {
	p := &Payment{
		Reference:    intent.ID,
		Status:       string(intent.Status),
		Amount:       intent.Amount,
		Currency:     string(intent.Currency),
		ReceiptEmail: intent.ReceiptEmail,
		Metadata:     intent.Metadata,
	}
	if intent.Customer != nil {
		p.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil && intent.PaymentMethod.Type != "" {
		p.PaymentMethod = string(intent.PaymentMethod.Type)
	}
	return p
}
