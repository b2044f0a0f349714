/**
 * @description
 * This file defines the user-side domain models for the membership-service.
 * A User is dual-purpose: a subscriber paying for channel access, a channel
 * owner selling it, or both. The `referred_by_id` self-reference forms the
 * affiliate forest that the commission walker traverses.
 *
 * @notes
 * - `balance` holds direct channel revenue; `affiliate_balance` holds network
 *   commission income. Both are USD and are only ever mutated inside the
 *   settlement transaction.
 */

package domain

import "time"

// User represents a subscriber, a channel owner, or both.
// This struct maps directly to the `users` table.
type User struct {
	ID               int64     `json:"id"`
	TelegramID       *int64    `json:"telegram_id,omitempty"`
	Username         *string   `json:"username,omitempty"`
	FullName         *string   `json:"full_name,omitempty"`
	Email            *string   `json:"email,omitempty"`
	IsOwner          bool      `json:"is_owner"`
	ReferralCode     string    `json:"referral_code"`
	ReferredByID     *int64    `json:"referred_by_id,omitempty"`
	Balance          float64   `json:"balance"`           // direct channel revenue, USD
	AffiliateBalance float64   `json:"affiliate_balance"` // network commission income, USD
	CreatedAt        time.Time `json:"created_at"`
}

// ReferralAncestor is one hop of a referral chain walk: the ancestor's
// identity plus the level (1-10) at which they sit above the paying owner.
type ReferralAncestor struct {
	UserID       int64  `json:"user_id"`
	TelegramID   *int64 `json:"telegram_id,omitempty"`
	ReferredByID *int64 `json:"referred_by_id,omitempty"`
	Level        int    `json:"level"`
}

// NetworkLevelCount summarizes one level of a user's downline for the
// affiliate network view.
type NetworkLevelCount struct {
	Level int `json:"level"`
	Count int `json:"count"`
}
