/**
 * @description
 * This file defines the subscription-side domain models: the Channel being
 * sold, the Plan priced against it, and the Subscription rows the activator
 * creates or extends in the settlement transaction.
 */

package domain

import "time"

// Channel is a Telegram channel owned by exactly one user.
type Channel struct {
	ID             int64     `json:"id"`
	OwnerID        int64     `json:"owner_id"`
	TelegramID     *int64    `json:"telegram_id,omitempty"`
	Title          string    `json:"title"`
	WelcomeMessage *string   `json:"welcome_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Plan is a priced access tier for a channel. Price is the channel's listing
// currency, treated as USD in the ledger.
type Plan struct {
	ID           int64     `json:"id"`
	ChannelID    int64     `json:"channel_id"`
	Name         string    `json:"name"`
	Price        float64   `json:"price"`
	DurationDays int       `json:"duration_days"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription grants a user timed access to a plan's channel. At most one
// active subscription exists per (user, plan) pair; renewals extend EndDate
// rather than inserting a new row.
type Subscription struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	PlanID    int64     `json:"plan_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	IsActive  bool      `json:"is_active"`
	IsTrial   bool      `json:"is_trial"`
}

// MembershipStatus is the DTO returned to dashboard clients asking whether a
// user currently holds access to a plan.
type MembershipStatus struct {
	PlanID   int64      `json:"plan_id"`
	IsActive bool       `json:"is_active"`
	EndDate  *time.Time `json:"end_date,omitempty"`
	IsTrial  bool       `json:"is_trial"`
}
