/**
 * @description
 * This file contains the payment gateway webhook handlers. Each handler
 * verifies the gateway's signature, reduces the provider payload to the
 * canonical settlement input, and calls the one settlement pipeline. A
 * webhook the handler cannot act on (wrong event type, non-final status,
 * malformed reference) is acknowledged with 200 so the gateway stops
 * retrying; only signature failures and settlement errors are surfaced.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v81: Stripe event types and signature verification.
 * - crypto/sha256: Wompi integrity checksum.
 */

package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/channelpass/membership-service/internal/app"
	"github.com/channelpass/membership-service/internal/domain"
)

const webhookMaxBodyBytes = 1 << 16

// WebhookHandlers holds the settlement service and gateway secrets.
type WebhookHandlers struct {
	service             *app.Service
	stripeWebhookSecret string
	wompiEventsSecret   string
}

// NewWebhookHandlers creates the gateway webhook handler set.
func NewWebhookHandlers(service *app.Service, stripeWebhookSecret, wompiEventsSecret string) *WebhookHandlers {
	return &WebhookHandlers{
		service:             service,
		stripeWebhookSecret: stripeWebhookSecret,
		wompiEventsSecret:   wompiEventsSecret,
	}
}

// StripeWebhookHandler settles completed Stripe Checkout sessions. The
// session metadata carries user_id, plan_id and an optional promo_id set
// when the checkout session was created.
func (h *WebhookHandlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	event, err := stripeWebhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.stripeWebhookSecret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Printf("level=warn component=stripe_webhook msg=\"signature verification failed\" err=%v", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		w.WriteHeader(http.StatusOK)
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Printf("level=error component=stripe_webhook msg=\"malformed session object\" event_id=%s err=%v", event.ID, err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID, planID, promoID, ok := parseCheckoutMetadata(session.Metadata)
	if !ok {
		log.Printf("level=warn component=stripe_webhook msg=\"session missing settlement metadata; dropping\" session_id=%s", session.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Prefer the payment intent id; the session id still works as a unique
	// fallback for sessions Stripe reports without one.
	txID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		txID = session.PaymentIntent.ID
	}
	outcome, err := h.service.ActivateMembership(r.Context(), domain.SettleInput{
		UserID:       userID,
		PlanID:       planID,
		Amount:       float64(session.AmountTotal) / 100.0,
		Currency:     string(session.Currency),
		Method:       domain.PaymentMethodStripe,
		ProviderTxID: &txID,
		PromoID:      promoID,
	})
	if err != nil {
		log.Printf("level=error component=stripe_webhook msg=\"settlement failed\" session_id=%s err=%v", session.ID, err)
		http.Error(w, "Settlement failed", http.StatusInternalServerError)
		return
	}

	writeWebhookAck(w, outcome)
}

func parseCheckoutMetadata(metadata map[string]string) (userID, planID int64, promoID *int64, ok bool) {
	userID, err := strconv.ParseInt(strings.TrimSpace(metadata["user_id"]), 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, nil, false
	}
	planID, err = strconv.ParseInt(strings.TrimSpace(metadata["plan_id"]), 10, 64)
	if err != nil || planID <= 0 {
		return 0, 0, nil, false
	}
	if raw := strings.TrimSpace(metadata["promo_id"]); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			promoID = &id
		}
	}
	return userID, planID, promoID, true
}

// wompiEvent mirrors the envelope Wompi POSTs on transaction updates.
type wompiEvent struct {
	Event string `json:"event"`
	Data  struct {
		Transaction struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			AmountInCents int64  `json:"amount_in_cents"`
			Currency      string `json:"currency"`
			Reference     string `json:"reference"`
		} `json:"transaction"`
	} `json:"data"`
	Timestamp int64 `json:"timestamp"`
	Signature struct {
		Checksum string `json:"checksum"`
	} `json:"signature"`
}

// WompiWebhookHandler settles approved Wompi transactions. Wompi has no
// metadata bag, so the settlement coordinates travel in the payment
// reference: user_<id>_plan_<id>[_p_<promoID>]_<timestamp>.
func (h *WebhookHandlers) WompiWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var event wompiEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	tx := event.Data.Transaction
	if !h.verifyWompiChecksum(tx.ID, tx.Status, tx.AmountInCents, event.Timestamp, event.Signature.Checksum) {
		log.Printf("level=warn component=wompi_webhook msg=\"integrity checksum mismatch\" tx_id=%s", tx.ID)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	if event.Event != "transaction.updated" || tx.Status != "APPROVED" {
		w.WriteHeader(http.StatusOK)
		return
	}

	userID, planID, promoID, ok := parseWompiReference(tx.Reference)
	if !ok {
		log.Printf("level=warn component=wompi_webhook msg=\"unparseable reference; dropping\" tx_id=%s reference=%s", tx.ID, tx.Reference)
		w.WriteHeader(http.StatusOK)
		return
	}

	txID := tx.ID
	outcome, err := h.service.ActivateMembership(r.Context(), domain.SettleInput{
		UserID:       userID,
		PlanID:       planID,
		Amount:       float64(tx.AmountInCents) / 100.0,
		Currency:     strings.ToLower(tx.Currency),
		Method:       domain.PaymentMethodWompi,
		ProviderTxID: &txID,
		PromoID:      promoID,
	})
	if err != nil {
		log.Printf("level=error component=wompi_webhook msg=\"settlement failed\" tx_id=%s err=%v", tx.ID, err)
		http.Error(w, "Settlement failed", http.StatusInternalServerError)
		return
	}

	writeWebhookAck(w, outcome)
}

// verifyWompiChecksum recomputes the Wompi integrity hash:
// sha256(id + status + amount_in_cents + timestamp + events_secret).
func (h *WebhookHandlers) verifyWompiChecksum(txID, status string, amountInCents, timestamp int64, checksum string) bool {
	if h.wompiEventsSecret == "" || checksum == "" {
		return false
	}
	concat := fmt.Sprintf("%s%s%d%d%s", txID, status, amountInCents, timestamp, h.wompiEventsSecret)
	sum := sha256.Sum256([]byte(concat))
	return strings.EqualFold(hex.EncodeToString(sum[:]), checksum)
}

// parseWompiReference unpacks user_<id>_plan_<id>[_p_<promoID>]_<timestamp>.
func parseWompiReference(reference string) (userID, planID int64, promoID *int64, ok bool) {
	parts := strings.Split(strings.TrimSpace(reference), "_")
	if len(parts) < 5 || parts[0] != "user" || parts[2] != "plan" {
		return 0, 0, nil, false
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, nil, false
	}
	planID, err = strconv.ParseInt(parts[3], 10, 64)
	if err != nil || planID <= 0 {
		return 0, 0, nil, false
	}
	if len(parts) >= 7 && parts[4] == "p" {
		if id, err := strconv.ParseInt(parts[5], 10, 64); err == nil && id > 0 {
			promoID = &id
		}
	}
	return userID, planID, promoID, true
}

func writeWebhookAck(w http.ResponseWriter, outcome *app.SettlementOutcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"payment_id":      outcome.Payment.ID,
		"already_settled": outcome.AlreadySettled,
	})
}
