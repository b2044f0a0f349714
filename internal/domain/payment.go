/**
 * @description
 * This file defines the ledger-side domain models for the membership-service:
 * the Payment record created once per settled provider transaction, the
 * per-level AffiliateEarning rows hanging off it, and the canonical input
 * every payment adapter (Stripe, Wompi, manual crypto verification) reduces to
 * before the settlement engine runs.
 *
 * @notes
 * - `ProviderTxID` is THE idempotency key. The `payments.provider_tx_id`
 *   unique index is the serialization point against concurrent webhook
 *   retries; everything above it is an optimization.
 * - Amounts are float64 USD after normalization. Every split amount on a
 *   Payment is derived from the same normalized amount in one computation.
 */

package domain

import "time"

// Payment statuses.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Payment methods accepted by the settlement engine.
const (
	PaymentMethodStripe = "stripe"
	PaymentMethodWompi  = "wompi"
	PaymentMethodCrypto = "crypto"
)

// Payment is the immutable ledger record for one settled transaction.
// This struct maps directly to the `payments` table.
type Payment struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	PlanID          int64     `json:"plan_id"`
	Amount          float64   `json:"amount"` // normalized USD
	Currency        string    `json:"currency"`
	PaymentMethod   string    `json:"payment_method"`
	ProviderTxID    *string   `json:"provider_tx_id,omitempty"`
	Status          string    `json:"status"`
	PlatformAmount  float64   `json:"platform_amount"`
	OwnerAmount     float64   `json:"owner_amount"`
	AffiliateAmount float64   `json:"affiliate_amount"`
	CreatedAt       time.Time `json:"created_at"`
}

// AffiliateEarning records one level's payout for one payment. Append-only;
// at most ten rows per payment.
type AffiliateEarning struct {
	ID          int64     `json:"id"`
	PaymentID   int64     `json:"payment_id"`
	AffiliateID int64     `json:"affiliate_id"`
	Level       int       `json:"level"`
	Amount      float64   `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// AffiliateSplit is one computed payout before it is persisted: the ancestor
// to credit, their level, and the USD amount for that level.
type AffiliateSplit struct {
	AffiliateID int64   `json:"affiliate_id"`
	TelegramID  *int64  `json:"telegram_id,omitempty"`
	Level       int     `json:"level"`
	Amount      float64 `json:"amount"`
}

// SettleInput is the canonical call signature of the settlement engine.
// Webhook and admin adapters translate provider payloads into this shape and
// nothing else; all settlement logic lives behind it.
type SettleInput struct {
	UserID       int64
	PlanID       int64
	Amount       float64 // as reported by the gateway, in Currency
	Currency     string  // "usd", "cop", ...
	Method       string
	ProviderTxID *string // absent for methods without a reusable id
	PromoID      *int64
}

// Promotion is a channel-scoped discount or trial offer. Only `discount`
// promotions affect settlement, and only before the engine runs the split.
type Promotion struct {
	ID          int64   `json:"id"`
	ChannelID   int64   `json:"channel_id"`
	Code        string  `json:"code"`
	PromoType   string  `json:"promo_type"` // 'discount' or 'trial'
	Value       float64 `json:"value"`      // discount fraction, or trial days
	MaxUses     *int    `json:"max_uses,omitempty"`
	CurrentUses int     `json:"current_uses"`
	IsActive    bool    `json:"is_active"`
}
