/**
 * @description
 * This file defines the payloads exchanged with collaborators over the message
 * broker. The billing core treats the notifier as fire-and-forget: a failed
 * publish is logged and never rolls back a monetary write.
 */

package domain

import "time"

// Notification is the generic envelope published to the notification exchange.
type Notification struct {
	Kind         string         `json:"kind"`
	Recipient    string         `json:"recipient"`
	TemplateData map[string]any `json:"template_data"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Notification kinds emitted by this service.
const (
	NotificationGiftCardPurchased = "gift_card.purchased"
	NotificationSubscriptionDue   = "subscription.payment_failed"
)

// Payment intent kinds carried in gateway event metadata. They select the
// ingestor branch for a succeeded payment.
const (
	PaymentKindAppointment = "appointment"
	PaymentKindGiftCard    = "gift_card"
)
