/**
 * @description
 * This file defines the event payloads the settlement transaction enqueues on
 * the notification outbox. The dispatcher publishes them to the
 * `membership.events` topic exchange after commit; the notification consumer
 * turns them into Telegram messages. Settlement never waits on either.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Exchange and routing keys for membership events.
const (
	MembershipEventsExchange = "membership.events"

	RoutingKeyCommissionCredited  = "commission.credited"
	RoutingKeyMembershipActivated = "membership.activated"
)

// CommissionCreditedEvent is published once per credited ancestor when a
// payment settles.
type CommissionCreditedEvent struct {
	EventID     uuid.UUID `json:"event_id"`
	PaymentID   int64     `json:"payment_id"`
	AffiliateID int64     `json:"affiliate_id"`
	TelegramID  *int64    `json:"telegram_id,omitempty"`
	Level       int       `json:"level"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// MembershipActivatedEvent is published once per settlement for the payer.
type MembershipActivatedEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	PaymentID      int64     `json:"payment_id"`
	UserID         int64     `json:"user_id"`
	TelegramID     *int64    `json:"telegram_id,omitempty"`
	PlanID         int64     `json:"plan_id"`
	ChannelTitle   string    `json:"channel_title"`
	WelcomeMessage *string   `json:"welcome_message,omitempty"`
	EndDate        time.Time `json:"end_date"`
	Timestamp      time.Time `json:"timestamp"`
}
