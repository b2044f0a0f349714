/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all database operations the membership-service needs, along with the
 * sentinel errors and the parameter/result types of the settlement
 * transaction. Defining an interface decouples the application logic from the
 * concrete PostgreSQL implementation, which is essential for unit testing the
 * settlement engine with stubs.
 */

package store

import (
	"context"
	"errors"

	"github.com/channelpass/membership-service/internal/domain"
)

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPromotionNotFound    = errors.New("promotion not found")
	ErrDuplicateTransaction = errors.New("provider transaction already settled")
)

// OutboxEvent is one notification to enqueue inside the settlement
// transaction. Payload is marshalled to JSON at insert time.
type OutboxEvent struct {
	Exchange   string
	RoutingKey string
	Payload    interface{}
}

// SettlementParams carries everything the ledger writer persists atomically.
// All amounts are already normalized to USD; the split math happened in the
// application layer before this call.
type SettlementParams struct {
	UserID        int64
	PlanID        int64
	Amount        float64
	Method        string
	ProviderTxID  *string
	OwnerID       int64
	OwnerNet      float64
	PlatformNet   float64
	AffiliateNet  float64
	Splits        []domain.AffiliateSplit
	DurationDays  int
	AppliedPromo  *int64
	// BuildEvents is invoked after the payment and subscription rows exist,
	// still inside the transaction, so event payloads can reference their ids.
	BuildEvents func(payment *domain.Payment, sub *domain.Subscription) []OutboxEvent
}

// SettlementResult is the outcome of one settlement attempt. AlreadySettled
// is true when the payment's provider transaction id lost the race on the
// unique index and the prior settlement's subscription is returned instead.
type SettlementResult struct {
	Payment        *domain.Payment
	Subscription   *domain.Subscription
	AlreadySettled bool
}

// Repository defines the data access contract for the membership-service.
type Repository interface {
	// Reads.
	GetPlanByID(ctx context.Context, planID int64) (*domain.Plan, error)
	GetChannelByID(ctx context.Context, channelID int64) (*domain.Channel, error)
	GetUserByID(ctx context.Context, userID int64) (*domain.User, error)
	GetPromotionByID(ctx context.Context, promoID int64) (*domain.Promotion, error)
	FindPaymentByProviderTxID(ctx context.Context, providerTxID string) (*domain.Payment, error)
	FindLatestSubscription(ctx context.Context, userID, planID int64) (*domain.Subscription, error)

	// GetReferralChain returns the ancestors of a user, nearest first, up to
	// maxDepth hops. The result may contain a repeated id if the stored graph
	// has a cycle; callers guard against that.
	GetReferralChain(ctx context.Context, userID int64, maxDepth int) ([]domain.ReferralAncestor, error)

	// GetFeeConfig returns all system_config rows as one key->value map.
	GetFeeConfig(ctx context.Context) (map[string]float64, error)

	// Settle runs the whole settlement transaction: payment insert (the
	// provider_tx_id unique index is the idempotency linearization point),
	// affiliate earning rows, balance credits under row locks, subscription
	// activation/extension, promotion use count, and outbox enqueue.
	Settle(ctx context.Context, params SettlementParams) (*SettlementResult, error)

	// Dashboard reads.
	ListAffiliateEarnings(ctx context.Context, affiliateID int64, limit, offset int) ([]domain.AffiliateEarning, error)
	ListSubscriptionsByUser(ctx context.Context, userID int64) ([]domain.Subscription, error)
	GetNetworkLevelCounts(ctx context.Context, userID int64, maxDepth int) ([]domain.NetworkLevelCount, error)
}

// OutboxRepository is the contract the outbox dispatcher works against.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
