/**
 * @description
 * This file contains the HTTP handlers for the membership-service's dashboard
 * and internal endpoints. Handlers are responsible for parsing incoming
 * requests, calling the appropriate methods on the application service, and
 * writing the HTTP response. The gateway webhook handlers live in
 * webhooks.go.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/channelpass/membership-service/internal/app"
	"github.com/channelpass/membership-service/internal/domain"
	"github.com/channelpass/membership-service/internal/store"
)

// MembershipHandlers holds the application service that handlers will use.
type MembershipHandlers struct {
	service *app.Service
}

// NewMembershipHandlers creates the handler set.
func NewMembershipHandlers(service *app.Service) *MembershipHandlers {
	return &MembershipHandlers{service: service}
}

type settlementResponse struct {
	PaymentID      int64   `json:"payment_id"`
	Status         string  `json:"status"`
	AlreadySettled bool    `json:"already_settled"`
	Amount         float64 `json:"amount"`
	SubscriptionID *int64  `json:"subscription_id,omitempty"`
	EndDate        *string `json:"end_date,omitempty"`
}

func buildSettlementResponse(outcome *app.SettlementOutcome) settlementResponse {
	resp := settlementResponse{
		PaymentID:      outcome.Payment.ID,
		Status:         outcome.Payment.Status,
		AlreadySettled: outcome.AlreadySettled,
		Amount:         outcome.Payment.Amount,
	}
	if outcome.Subscription != nil {
		resp.SubscriptionID = &outcome.Subscription.ID
		end := outcome.Subscription.EndDate.Format("2006-01-02T15:04:05Z07:00")
		resp.EndDate = &end
	}
	return resp
}

// cryptoVerifyRequest is the internal admin payload for manually confirmed
// crypto payments, which have no gateway transaction id of their own.
type cryptoVerifyRequest struct {
	PaymentID int64  `json:"payment_id"`
	UserID    int64  `json:"user_id"`
	PlanID    int64  `json:"plan_id"`
	PromoID   *int64 `json:"promo_id,omitempty"`
}

// CryptoVerifyHandler settles a manually verified crypto payment. The
// synthetic transaction id derived from the admin-side payment record keeps
// double verification idempotent.
func (h *MembershipHandlers) CryptoVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req cryptoVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PaymentID <= 0 || req.UserID <= 0 || req.PlanID <= 0 {
		h.writeError(w, http.StatusBadRequest, "payment_id, user_id and plan_id are required")
		return
	}

	amount, err := h.service.PlanCharge(r.Context(), req.PlanID, req.PromoID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	txID := fmt.Sprintf("CRYPTO_VERIFIED_%d", req.PaymentID)
	outcome, err := h.service.ActivateMembership(r.Context(), domain.SettleInput{
		UserID:       req.UserID,
		PlanID:       req.PlanID,
		Amount:       amount,
		Currency:     "usd",
		Method:       domain.PaymentMethodCrypto,
		ProviderTxID: &txID,
		PromoID:      req.PromoID,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildSettlementResponse(outcome))
}

// MembershipStatusHandler returns the caller's membership status per plan.
// Dashboard users may only read their own; a matching user id in the token is
// required.
func (h *MembershipHandlers) MembershipStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUserIDAuthorized(w, r)
	if !ok {
		return
	}
	statuses, err := h.service.GetMembershipStatus(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"memberships": statuses})
}

// AffiliateEarningsHandler returns the caller's commission feed.
func (h *MembershipHandlers) AffiliateEarningsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUserIDAuthorized(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	earnings, err := h.service.ListEarnings(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"earnings": earnings})
}

// AffiliateNetworkHandler returns the caller's downline counts per level.
func (h *MembershipHandlers) AffiliateNetworkHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUserIDAuthorized(w, r)
	if !ok {
		return
	}
	levels, err := h.service.GetNetwork(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"levels": levels})
}

// pathUserIDAuthorized parses {userID} and checks it against the
// authenticated subject.
func (h *MembershipHandlers) pathUserIDAuthorized(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return 0, false
	}
	authID, ok := AuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return 0, false
	}
	if authID != userID {
		h.writeError(w, http.StatusForbidden, "Cannot access another user's data")
		return 0, false
	}
	return userID, true
}

func (h *MembershipHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrPlanNotFound),
		errors.Is(err, store.ErrChannelNotFound),
		errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrPromotionNotFound):
		h.writeError(w, http.StatusUnprocessableEntity, "Promotion is not applicable")
	case errors.Is(err, app.ErrInactivePlan), errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *MembershipHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *MembershipHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
