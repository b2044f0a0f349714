/**
 * @description
 * This file implements the settlement engine's orchestration layer. Every
 * payment adapter (Stripe webhook, Wompi webhook, manual crypto verification)
 * reduces its payload to a SettleInput and calls ActivateMembership, which
 * runs the one canonical pipeline: idempotency guard, promotion discount,
 * currency normalization, commission computation, and the atomic ledger
 * write. Dashboard reads live here too so handlers stay thin.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/channelpass/membership-service/internal/domain"
	"github.com/channelpass/membership-service/internal/store"
)

var (
	ErrInvalidAmount = errors.New("payment amount must be positive")
	ErrInactivePlan  = errors.New("plan is not active")
)

// Service orchestrates payment settlement and membership reads.
type Service struct {
	repo    store.Repository
	txCache ProcessedTxCache
}

// NewService creates the settlement service. A nil cache degrades to the
// database-only idempotency path.
func NewService(repo store.Repository, txCache ProcessedTxCache) *Service {
	if txCache == nil {
		txCache = NoopTxCache{}
	}
	return &Service{repo: repo, txCache: txCache}
}

// SettlementOutcome is what an adapter needs to answer its caller.
type SettlementOutcome struct {
	Payment        *domain.Payment
	Subscription   *domain.Subscription
	AlreadySettled bool
}

// ActivateMembership settles one verified payment end to end. Calling it
// twice with the same provider transaction id is safe: the second call
// returns the first call's outcome with AlreadySettled set.
func (s *Service) ActivateMembership(ctx context.Context, input domain.SettleInput) (*SettlementOutcome, error) {
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// Fast-path duplicate check before any real work. The cache is advisory:
	// an entry without a ledger row means it lied, and the database decides.
	if input.ProviderTxID != nil && s.txCache.IsProcessed(ctx, *input.ProviderTxID) {
		outcome, err := s.recoverSettledOutcome(ctx, *input.ProviderTxID)
		switch {
		case err == nil:
			log.Printf("level=info component=settlement msg=\"duplicate tx short-circuited by cache\" tx_id=%s", *input.ProviderTxID)
			return outcome, nil
		case errors.Is(err, store.ErrPaymentNotFound):
			log.Printf("level=warn component=settlement msg=\"cache hit without ledger row; settling anyway\" tx_id=%s", *input.ProviderTxID)
		default:
			return nil, err
		}
	}

	plan, err := s.repo.GetPlanByID(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrInactivePlan
	}
	channel, err := s.repo.GetChannelByID(ctx, plan.ChannelID)
	if err != nil {
		return nil, err
	}
	owner, err := s.repo.GetUserByID(ctx, channel.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("channel owner lookup failed: %w", err)
	}

	// The gateway already charged the payer, so an unusable promo id must not
	// sink the settlement; it just isn't counted.
	appliedPromo, err := s.resolvePromotion(ctx, input.PromoID, plan.ChannelID)
	if err != nil {
		if !errors.Is(err, store.ErrPromotionNotFound) {
			return nil, err
		}
		log.Printf("level=warn component=settlement msg=\"claimed promotion not applicable; ignoring\" promo_id=%d plan_id=%d", *input.PromoID, input.PlanID)
		appliedPromo = nil
	}

	feeConfig, err := s.repo.GetFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}
	schedule := NewFeeSchedule(feeConfig)

	amount := schedule.NormalizeToUSD(input.Amount, input.Currency)

	chain, err := s.repo.GetReferralChain(ctx, owner.ID, MaxCommissionLevels)
	if err != nil {
		return nil, fmt.Errorf("failed to walk referral chain: %w", err)
	}

	split := schedule.ComputeSplits(amount, owner.ID, chain)

	payer, err := s.repo.GetUserByID(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	var promoID *int64
	if appliedPromo != nil {
		promoID = &appliedPromo.ID
	}
	params := store.SettlementParams{
		UserID:       input.UserID,
		PlanID:       input.PlanID,
		Amount:       amount,
		Method:       input.Method,
		ProviderTxID: input.ProviderTxID,
		OwnerID:      owner.ID,
		OwnerNet:     split.OwnerNet,
		PlatformNet:  split.PlatformNet,
		AffiliateNet: split.AffiliateNet,
		Splits:       split.Splits,
		DurationDays: plan.DurationDays,
		AppliedPromo: promoID,
		BuildEvents: func(payment *domain.Payment, sub *domain.Subscription) []store.OutboxEvent {
			return buildSettlementEvents(payment, sub, payer, channel, split.Splits)
		},
	}

	result, err := s.repo.Settle(ctx, params)
	if err != nil {
		return nil, err
	}

	if input.ProviderTxID != nil {
		s.txCache.MarkProcessed(ctx, *input.ProviderTxID)
	}

	if result.AlreadySettled {
		log.Printf("level=info component=settlement msg=\"duplicate tx resolved by unique index\" tx_id=%v payment_id=%d",
			derefStr(input.ProviderTxID), result.Payment.ID)
	} else {
		log.Printf("level=info component=settlement msg=\"payment settled\" payment_id=%d user_id=%d plan_id=%d amount=%.2f owner_net=%.2f platform_net=%.2f affiliate_net=%.2f levels=%d",
			result.Payment.ID, input.UserID, input.PlanID, amount,
			split.OwnerNet, split.PlatformNet, split.AffiliateNet, len(split.Splits))
	}

	return &SettlementOutcome{
		Payment:        result.Payment,
		Subscription:   result.Subscription,
		AlreadySettled: result.AlreadySettled,
	}, nil
}

// recoverSettledOutcome loads a prior settlement for a duplicate id. The
// database is authoritative; ErrPaymentNotFound tells the caller to proceed
// with a fresh settlement.
func (s *Service) recoverSettledOutcome(ctx context.Context, providerTxID string) (*SettlementOutcome, error) {
	payment, err := s.repo.FindPaymentByProviderTxID(ctx, providerTxID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.FindLatestSubscription(ctx, payment.UserID, payment.PlanID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, err
	}
	return &SettlementOutcome{Payment: payment, Subscription: sub, AlreadySettled: true}, nil
}

// resolvePromotion validates a claimed promotion against the plan's channel.
// A usable discount promotion is returned; trial promotions and anything
// inactive, exhausted, or cross-channel are rejected.
func (s *Service) resolvePromotion(ctx context.Context, promoID *int64, channelID int64) (*domain.Promotion, error) {
	if promoID == nil {
		return nil, nil
	}
	promo, err := s.repo.GetPromotionByID(ctx, *promoID)
	if err != nil {
		return nil, err
	}
	if !promo.IsActive || promo.ChannelID != channelID || promo.PromoType != "discount" {
		return nil, store.ErrPromotionNotFound
	}
	if promo.MaxUses != nil && promo.CurrentUses >= *promo.MaxUses {
		return nil, store.ErrPromotionNotFound
	}
	return promo, nil
}

func buildSettlementEvents(payment *domain.Payment, sub *domain.Subscription, payer *domain.User, channel *domain.Channel, splits []domain.AffiliateSplit) []store.OutboxEvent {
	now := time.Now().UTC()
	events := make([]store.OutboxEvent, 0, len(splits)+1)

	events = append(events, store.OutboxEvent{
		Exchange:   domain.MembershipEventsExchange,
		RoutingKey: domain.RoutingKeyMembershipActivated,
		Payload: domain.MembershipActivatedEvent{
			EventID:        uuid.New(),
			PaymentID:      payment.ID,
			UserID:         payer.ID,
			TelegramID:     payer.TelegramID,
			PlanID:         payment.PlanID,
			ChannelTitle:   channel.Title,
			WelcomeMessage: channel.WelcomeMessage,
			EndDate:        sub.EndDate,
			Timestamp:      now,
		},
	})

	for _, split := range splits {
		// Zero-fee levels keep their ledger rows but nobody wants a $0.00
		// message.
		if split.Amount <= 0 {
			continue
		}
		events = append(events, store.OutboxEvent{
			Exchange:   domain.MembershipEventsExchange,
			RoutingKey: domain.RoutingKeyCommissionCredited,
			Payload: domain.CommissionCreditedEvent{
				EventID:     uuid.New(),
				PaymentID:   payment.ID,
				AffiliateID: split.AffiliateID,
				TelegramID:  split.TelegramID,
				Level:       split.Level,
				Amount:      split.Amount,
				Timestamp:   now,
			},
		})
	}
	return events
}

// ApplyDiscount returns a plan price after a discount promotion, rounded to
// cents. Callers pass the promotion already validated by resolvePromotion.
func ApplyDiscount(price float64, promo *domain.Promotion) float64 {
	if promo == nil || promo.PromoType != "discount" {
		return price
	}
	discounted := price * (1 - promo.Value)
	if discounted < 0 {
		return 0
	}
	return round2(discounted)
}

// PlanCharge computes what a plan costs after an optional promotion, for
// payment methods where the platform itself states the price instead of a
// gateway reporting what was paid.
func (s *Service) PlanCharge(ctx context.Context, planID int64, promoID *int64) (float64, error) {
	plan, err := s.repo.GetPlanByID(ctx, planID)
	if err != nil {
		return 0, err
	}
	if !plan.IsActive {
		return 0, ErrInactivePlan
	}
	promo, err := s.resolvePromotion(ctx, promoID, plan.ChannelID)
	if err != nil {
		return 0, err
	}
	return ApplyDiscount(plan.Price, promo), nil
}

// GetMembershipStatus reports whether a user currently holds access to each
// plan they ever subscribed to.
func (s *Service) GetMembershipStatus(ctx context.Context, userID int64) ([]domain.MembershipStatus, error) {
	subs, err := s.repo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	seen := make(map[int64]struct{}, len(subs))
	statuses := make([]domain.MembershipStatus, 0, len(subs))
	for _, sub := range subs {
		if _, ok := seen[sub.PlanID]; ok {
			continue
		}
		seen[sub.PlanID] = struct{}{}
		end := sub.EndDate
		statuses = append(statuses, domain.MembershipStatus{
			PlanID:   sub.PlanID,
			IsActive: sub.IsActive && sub.EndDate.After(now),
			EndDate:  &end,
			IsTrial:  sub.IsTrial,
		})
	}
	return statuses, nil
}

// ListEarnings returns an affiliate's commission feed.
func (s *Service) ListEarnings(ctx context.Context, affiliateID int64, limit, offset int) ([]domain.AffiliateEarning, error) {
	if _, err := s.repo.GetUserByID(ctx, affiliateID); err != nil {
		return nil, err
	}
	return s.repo.ListAffiliateEarnings(ctx, affiliateID, limit, offset)
}

// GetNetwork returns the per-level downline counts for an affiliate.
func (s *Service) GetNetwork(ctx context.Context, userID int64) ([]domain.NetworkLevelCount, error) {
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetNetworkLevelCounts(ctx, userID, MaxCommissionLevels)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
