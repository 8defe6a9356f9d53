/**
 * @description
 * This file contains the HTTP handlers for the billing-service. Handlers stay
 * thin: they authenticate, decode, delegate to the service layer, and map
 * service errors onto HTTP statuses.
 *
 * Webhook contract: the gateway retries until it sees a 2xx. Signature
 * failures are rejected with 400, but once a payload is verified the handler
 * always acknowledges with 200, even when processing failed, because every
 * branch of the ingestor is replay-safe and the next delivery converges.
 *
 * @dependencies
 * - internal/app: The service layer containing business logic.
 * - github.com/go-chi/chi/v5: Router (URL parameters).
 * - github.com/stripe/stripe-go/v78: Event type for the webhook payload.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agendei/billing-service/internal/app"
	"github.com/agendei/billing-service/internal/domain"
	"github.com/agendei/billing-service/internal/store"
	"github.com/agendei/billing-service/pkg/stripegateway"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
)

const maxWebhookBodyBytes = 65536

// WebhookVerifier verifies a raw webhook payload's signature and decodes it.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// BillingHandlers holds dependencies for the HTTP handlers.
type BillingHandlers struct {
	service  *app.Service
	verifier WebhookVerifier

	// Recently acknowledged event ids. The durable idempotency lives in the
	// store; this map just short-circuits tight redelivery bursts.
	mutex           sync.Mutex
	processedEvents map[string]time.Time
}

// NewBillingHandlers creates a new BillingHandlers with its dependencies.
func NewBillingHandlers(service *app.Service, verifier WebhookVerifier) *BillingHandlers {
	return &BillingHandlers{
		service:         service,
		verifier:        verifier,
		processedEvents: make(map[string]time.Time),
	}
}

// StripeWebhookHandler receives gateway events. Authentication is the payload
// signature, not a bearer token.
func (h *BillingHandlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	event, err := h.verifier.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Printf("level=warn component=api msg=\"webhook signature verification failed\" err=%v", err)
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	if h.isDuplicateEvent(event.ID) {
		log.Printf("level=info component=api msg=\"duplicate event ignored\" event_id=%s type=%s", event.ID, event.Type)
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	outcome := "ok"
	if err := h.service.HandleGatewayEvent(r.Context(), event); err != nil {
		// Acknowledge anyway: the branch writes are idempotent and the
		// gateway's replay will converge. A non-2xx here would make the
		// gateway hammer us with an event we already partially applied.
		outcome = "error"
	}
	gatewayEventsTotal.WithLabelValues(string(event.Type), outcome).Inc()
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// VerifyPaymentHandler is the synchronous confirmation fallback for clients
// that returned from checkout before the webhook landed.
func (h *BillingHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	resp, err := h.service.ConfirmGiftCardPayment(r.Context(), req.PaymentReference)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidPaymentReference):
			respondWithError(w, http.StatusBadRequest, "A payment reference is required")
		case errors.Is(err, app.ErrTooManyRequests):
			respondWithError(w, http.StatusTooManyRequests, "Too many verification attempts, try again shortly")
		case errors.Is(err, app.ErrPaymentNotSettled):
			respondWithJSON(w, http.StatusPaymentRequired, domain.ConfirmPaymentResponse{Success: false, Error: "payment_not_confirmed"})
		case errors.Is(err, stripegateway.ErrUnavailable):
			respondWithError(w, http.StatusServiceUnavailable, "Payment gateway unavailable, try again shortly")
		default:
			log.Printf("level=error component=api msg=\"payment verification failed\" err=%v", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to verify payment")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// CancelAppointmentHandler cancels the caller's appointment and reports the
// prorated minutes refund, if any.
func (h *BillingHandlers) CancelAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	apptID, err := uuidFromParam(r, "id")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid appointment id")
		return
	}

	appt, refund, err := h.service.CancelAppointment(r.Context(), userID, apptID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAppointmentNotFound):
			respondWithError(w, http.StatusNotFound, "Appointment not found")
		case errors.Is(err, app.ErrAppointmentNotCancellable):
			respondWithError(w, http.StatusConflict, "Appointment can no longer be cancelled")
		default:
			log.Printf("level=error component=api msg=\"appointment cancellation failed\" appointment_id=%s err=%v", apptID, err)
			respondWithError(w, http.StatusInternalServerError, "Failed to cancel appointment")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"appointment":      appt,
		"refunded_minutes": refund,
	})
}

// GuestPassHandler debits the caller's minutes balance to issue a guest pass.
func (h *BillingHandlers) GuestPassHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	var req domain.GuestPassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	passID, err := h.service.IssueGuestPass(r.Context(), userID, req.Minutes)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidMinutesAmount):
			respondWithError(w, http.StatusBadRequest, "Minutes must be a positive amount")
		case errors.Is(err, store.ErrInsufficientMinutes):
			respondWithError(w, http.StatusUnprocessableEntity, "Insufficient minutes balance")
		case errors.Is(err, store.ErrProfileNotFound):
			respondWithError(w, http.StatusNotFound, "Profile not found")
		default:
			log.Printf("level=error component=api msg=\"guest pass issuance failed\" profile_id=%s err=%v", userID, err)
			respondWithError(w, http.StatusInternalServerError, "Failed to issue guest pass")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]any{
		"pass_id": passID,
		"minutes": req.Minutes,
	})
}

// BillingReportHandler returns the merged revenue records for a period.
// Defaults to the last 30 days when no range is given.
func (h *BillingHandlers) BillingReportHandler(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)

	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = parseDateParam(raw); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'from' date")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = parseDateParam(raw); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'to' date")
			return
		}
		// An inclusive end date covers the whole day.
		to = to.Add(24*time.Hour - time.Nanosecond)
	}

	records, err := h.service.BuildBillingReport(r.Context(), from, to)
	if err != nil {
		log.Printf("level=error component=api msg=\"billing report build failed\" err=%v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to build billing report")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"records": records})
}

// BalanceHandler returns the caller's minutes balance and recent ledger entries.
func (h *BillingHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	balance, entries, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			respondWithError(w, http.StatusNotFound, "Profile not found")
			return
		}
		log.Printf("level=error component=api msg=\"balance lookup failed\" profile_id=%s err=%v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load balance")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"minutes_balance": balance,
		"ledger":          entries,
	})
}

// isDuplicateEvent checks if we've already acknowledged this event recently.
func (h *BillingHandlers) isDuplicateEvent(eventID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// Clean up old entries (older than 1 hour) to prevent memory leaks
	cutoff := time.Now().Add(-1 * time.Hour)
	for id, timestamp := range h.processedEvents {
		if timestamp.Before(cutoff) {
			delete(h.processedEvents, id)
		}
	}

	if _, seen := h.processedEvents[eventID]; seen {
		return true
	}
	h.processedEvents[eventID] = time.Now()
	return false
}

func uuidFromParam(r *http.Request, name string) (id uuid.UUID, err error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func parseDateParam(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// respondWithError sends a JSON error message with a given status code.
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON marshals a payload and writes it with a given status code.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
