package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/channelpass/membership-service/internal/domain"
	"github.com/channelpass/membership-service/internal/store"
)

// settleRepoStub embeds the Repository interface and overrides only the
// methods a given test exercises; calling anything else panics, which makes
// unexpected repository traffic visible.
type settleRepoStub struct {
	store.Repository

	getPlanFn       func(ctx context.Context, planID int64) (*domain.Plan, error)
	getChannelFn    func(ctx context.Context, channelID int64) (*domain.Channel, error)
	getUserFn       func(ctx context.Context, userID int64) (*domain.User, error)
	getPromotionFn  func(ctx context.Context, promoID int64) (*domain.Promotion, error)
	findPaymentFn   func(ctx context.Context, providerTxID string) (*domain.Payment, error)
	findLatestSubFn func(ctx context.Context, userID, planID int64) (*domain.Subscription, error)
	getChainFn      func(ctx context.Context, userID int64, maxDepth int) ([]domain.ReferralAncestor, error)
	getFeeConfigFn  func(ctx context.Context) (map[string]float64, error)
	settleFn        func(ctx context.Context, params store.SettlementParams) (*store.SettlementResult, error)
}

func (s *settleRepoStub) GetPlanByID(ctx context.Context, planID int64) (*domain.Plan, error) {
	return s.getPlanFn(ctx, planID)
}

func (s *settleRepoStub) GetChannelByID(ctx context.Context, channelID int64) (*domain.Channel, error) {
	return s.getChannelFn(ctx, channelID)
}

func (s *settleRepoStub) GetUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	return s.getUserFn(ctx, userID)
}

func (s *settleRepoStub) GetPromotionByID(ctx context.Context, promoID int64) (*domain.Promotion, error) {
	return s.getPromotionFn(ctx, promoID)
}

func (s *settleRepoStub) FindPaymentByProviderTxID(ctx context.Context, providerTxID string) (*domain.Payment, error) {
	return s.findPaymentFn(ctx, providerTxID)
}

func (s *settleRepoStub) FindLatestSubscription(ctx context.Context, userID, planID int64) (*domain.Subscription, error) {
	return s.findLatestSubFn(ctx, userID, planID)
}

func (s *settleRepoStub) GetReferralChain(ctx context.Context, userID int64, maxDepth int) ([]domain.ReferralAncestor, error) {
	return s.getChainFn(ctx, userID, maxDepth)
}

func (s *settleRepoStub) GetFeeConfig(ctx context.Context) (map[string]float64, error) {
	return s.getFeeConfigFn(ctx)
}

func (s *settleRepoStub) Settle(ctx context.Context, params store.SettlementParams) (*store.SettlementResult, error) {
	return s.settleFn(ctx, params)
}

// fakeTxCache records cache traffic in memory.
type fakeTxCache struct {
	entries map[string]bool
	marked  []string
}

func newFakeTxCache() *fakeTxCache {
	return &fakeTxCache{entries: make(map[string]bool)}
}

func (c *fakeTxCache) IsProcessed(ctx context.Context, providerTxID string) bool {
	return c.entries[providerTxID]
}

func (c *fakeTxCache) MarkProcessed(ctx context.Context, providerTxID string) {
	c.marked = append(c.marked, providerTxID)
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

// happyPathStub wires a plan, its channel, the owner's two-level upline, and
// a Settle that echoes the params back as a committed result.
func happyPathStub(t *testing.T, captured *store.SettlementParams) *settleRepoStub {
	t.Helper()
	return &settleRepoStub{
		getPlanFn: func(ctx context.Context, planID int64) (*domain.Plan, error) {
			return &domain.Plan{ID: planID, ChannelID: 7, Price: 10.0, DurationDays: 30, IsActive: true}, nil
		},
		getChannelFn: func(ctx context.Context, channelID int64) (*domain.Channel, error) {
			return &domain.Channel{ID: channelID, OwnerID: 50, Title: "Crypto Signals"}, nil
		},
		getUserFn: func(ctx context.Context, userID int64) (*domain.User, error) {
			return &domain.User{ID: userID, TelegramID: int64Ptr(9000 + userID)}, nil
		},
		getChainFn: func(ctx context.Context, userID int64, maxDepth int) ([]domain.ReferralAncestor, error) {
			if userID != 50 {
				t.Fatalf("chain must be walked from the channel owner, got user %d", userID)
			}
			return []domain.ReferralAncestor{
				{UserID: 60, Level: 1},
				{UserID: 70, Level: 2},
			}, nil
		},
		getFeeConfigFn: func(ctx context.Context) (map[string]float64, error) {
			return nil, nil
		},
		settleFn: func(ctx context.Context, params store.SettlementParams) (*store.SettlementResult, error) {
			*captured = params
			payment := &domain.Payment{ID: 1001, UserID: params.UserID, PlanID: params.PlanID, Amount: params.Amount}
			sub := &domain.Subscription{ID: 2001, UserID: params.UserID, PlanID: params.PlanID, EndDate: time.Now().Add(30 * 24 * time.Hour), IsActive: true}
			return &store.SettlementResult{Payment: payment, Subscription: sub}, nil
		},
	}
}

func TestActivateMembershipHappyPath(t *testing.T) {
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	cache := newFakeTxCache()
	service := NewService(repo, cache)

	outcome, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID:       5,
		PlanID:       3,
		Amount:       10.0,
		Currency:     "usd",
		Method:       domain.PaymentMethodStripe,
		ProviderTxID: strPtr("pi_abc123"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.AlreadySettled {
		t.Fatalf("fresh settlement must not report already settled")
	}
	if outcome.Payment.ID != 1001 || outcome.Subscription.ID != 2001 {
		t.Fatalf("outcome must carry the committed payment and subscription: %+v", outcome)
	}

	if captured.OwnerID != 50 {
		t.Fatalf("expected owner 50 to be credited, got %d", captured.OwnerID)
	}
	if !approxEqual(captured.OwnerNet, 9.00) {
		t.Fatalf("expected owner net 9.00, got %v", captured.OwnerNet)
	}
	if len(captured.Splits) != 2 {
		t.Fatalf("expected 2 commission splits, got %d", len(captured.Splits))
	}
	if !approxEqual(captured.Splits[0].Amount, 0.30) || !approxEqual(captured.Splits[1].Amount, 0.10) {
		t.Fatalf("unexpected split amounts: %+v", captured.Splits)
	}
	if !approxEqual(captured.PlatformNet, 0.60) {
		t.Fatalf("expected platform net 0.60, got %v", captured.PlatformNet)
	}
	if captured.DurationDays != 30 {
		t.Fatalf("expected plan duration to flow through, got %d", captured.DurationDays)
	}
	if captured.BuildEvents == nil {
		t.Fatalf("settlement must enqueue notification events")
	}

	events := captured.BuildEvents(outcome.Payment, outcome.Subscription)
	if len(events) != 3 {
		t.Fatalf("expected 1 activation + 2 commission events, got %d", len(events))
	}
	if events[0].RoutingKey != domain.RoutingKeyMembershipActivated {
		t.Fatalf("first event must be the activation, got %s", events[0].RoutingKey)
	}

	if len(cache.marked) != 1 || cache.marked[0] != "pi_abc123" {
		t.Fatalf("settled tx id must be cached, got %v", cache.marked)
	}
}

func TestActivateMembershipDuplicateShortCircuitsViaCache(t *testing.T) {
	settleCalled := false
	repo := &settleRepoStub{
		findPaymentFn: func(ctx context.Context, providerTxID string) (*domain.Payment, error) {
			return &domain.Payment{ID: 1001, UserID: 5, PlanID: 3, ProviderTxID: &providerTxID}, nil
		},
		findLatestSubFn: func(ctx context.Context, userID, planID int64) (*domain.Subscription, error) {
			return &domain.Subscription{ID: 2001, UserID: userID, PlanID: planID, IsActive: true}, nil
		},
		settleFn: func(ctx context.Context, params store.SettlementParams) (*store.SettlementResult, error) {
			settleCalled = true
			return nil, errors.New("must not be reached")
		},
	}
	cache := newFakeTxCache()
	cache.entries["pi_abc123"] = true
	service := NewService(repo, cache)

	outcome, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd",
		Method: domain.PaymentMethodStripe, ProviderTxID: strPtr("pi_abc123"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.AlreadySettled {
		t.Fatalf("duplicate must report already settled")
	}
	if settleCalled {
		t.Fatalf("duplicate must never reach the ledger writer")
	}
}

func TestActivateMembershipGhostCacheEntrySettlesAnyway(t *testing.T) {
	// A cache entry with no ledger row behind it (flushed DB, bad restore)
	// must not block settlement: the database is authoritative.
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.findPaymentFn = func(ctx context.Context, providerTxID string) (*domain.Payment, error) {
		return nil, store.ErrPaymentNotFound
	}
	cache := newFakeTxCache()
	cache.entries["pi_ghost"] = true
	service := NewService(repo, cache)

	outcome, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd",
		Method: domain.PaymentMethodStripe, ProviderTxID: strPtr("pi_ghost"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.AlreadySettled {
		t.Fatalf("a ghost cache entry must settle freshly, not report already settled")
	}
	if captured.ProviderTxID == nil || *captured.ProviderTxID != "pi_ghost" {
		t.Fatalf("settlement must have run for the ghost tx id, got %+v", captured)
	}
	// The fresh settlement re-marks the key, healing the cache.
	if len(cache.marked) != 1 || cache.marked[0] != "pi_ghost" {
		t.Fatalf("settled tx id must be re-cached, got %v", cache.marked)
	}
}

func TestActivateMembershipDuplicateResolvedByUniqueIndex(t *testing.T) {
	// Cache cold, but the database already holds the payment: Settle itself
	// reports the prior result.
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.settleFn = func(ctx context.Context, params store.SettlementParams) (*store.SettlementResult, error) {
		return &store.SettlementResult{
			Payment:        &domain.Payment{ID: 1001},
			Subscription:   &domain.Subscription{ID: 2001},
			AlreadySettled: true,
		}, nil
	}
	service := NewService(repo, newFakeTxCache())

	outcome, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd",
		Method: domain.PaymentMethodStripe, ProviderTxID: strPtr("pi_abc123"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.AlreadySettled {
		t.Fatalf("lost race must surface as already settled")
	}
}

func TestActivateMembershipZeroFeeLevelGetsNoMessage(t *testing.T) {
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.getFeeConfigFn = func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{"affiliate_level_2_fee": 0}, nil
	}
	service := NewService(repo, newFakeTxCache())

	outcome, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd",
		Method: domain.PaymentMethodStripe, ProviderTxID: strPtr("pi_zero"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.Splits) != 2 {
		t.Fatalf("both reached levels must be recorded, got %d", len(captured.Splits))
	}
	if captured.Splits[1].Amount != 0 {
		t.Fatalf("level 2 must carry a zero amount, got %v", captured.Splits[1].Amount)
	}

	events := captured.BuildEvents(outcome.Payment, outcome.Subscription)
	// Activation plus the one non-zero commission; no $0.00 message.
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestActivateMembershipNoReferrers(t *testing.T) {
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.getChainFn = func(ctx context.Context, userID int64, maxDepth int) ([]domain.ReferralAncestor, error) {
		return nil, nil
	}
	service := NewService(repo, newFakeTxCache())

	_, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd",
		Method: domain.PaymentMethodCrypto, ProviderTxID: strPtr("CRYPTO_VERIFIED_77"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.Splits) != 0 {
		t.Fatalf("ownerless chain must produce no splits, got %d", len(captured.Splits))
	}
	if !approxEqual(captured.PlatformNet, 1.00) {
		t.Fatalf("platform must keep the whole pool, got %v", captured.PlatformNet)
	}
}

func TestActivateMembershipCopNormalization(t *testing.T) {
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	service := NewService(repo, newFakeTxCache())

	_, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 40000.0, Currency: "cop",
		Method: domain.PaymentMethodWompi, ProviderTxID: strPtr("wompi-1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approxEqual(captured.Amount, 10.0) {
		t.Fatalf("expected 40000 cop normalized to 10 usd, got %v", captured.Amount)
	}
}

func TestActivateMembershipRejectsInactivePlan(t *testing.T) {
	repo := &settleRepoStub{
		getPlanFn: func(ctx context.Context, planID int64) (*domain.Plan, error) {
			return &domain.Plan{ID: planID, ChannelID: 7, IsActive: false}, nil
		},
	}
	service := NewService(repo, newFakeTxCache())

	_, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd", Method: domain.PaymentMethodStripe,
	})
	if !errors.Is(err, ErrInactivePlan) {
		t.Fatalf("expected ErrInactivePlan, got %v", err)
	}
}

func TestActivateMembershipRejectsNonPositiveAmount(t *testing.T) {
	service := NewService(&settleRepoStub{}, newFakeTxCache())

	_, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 0, Currency: "usd", Method: domain.PaymentMethodStripe,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestActivateMembershipIgnoresUnusablePromo(t *testing.T) {
	// The gateway already took the money; a cross-channel promo id is dropped
	// rather than failing the settlement.
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.getPromotionFn = func(ctx context.Context, promoID int64) (*domain.Promotion, error) {
		return &domain.Promotion{ID: promoID, ChannelID: 999, PromoType: "discount", Value: 0.5, IsActive: true}, nil
	}
	service := NewService(repo, newFakeTxCache())

	_, err := service.ActivateMembership(context.Background(), domain.SettleInput{
		UserID: 5, PlanID: 3, Amount: 10.0, Currency: "usd",
		Method: domain.PaymentMethodStripe, ProviderTxID: strPtr("pi_x"), PromoID: int64Ptr(12),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.AppliedPromo != nil {
		t.Fatalf("unusable promo must not be counted, got %v", *captured.AppliedPromo)
	}
}

func TestPlanChargeRejectsCrossChannelPromo(t *testing.T) {
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.getPromotionFn = func(ctx context.Context, promoID int64) (*domain.Promotion, error) {
		return &domain.Promotion{ID: promoID, ChannelID: 999, PromoType: "discount", Value: 0.5, IsActive: true}, nil
	}
	service := NewService(repo, newFakeTxCache())

	_, err := service.PlanCharge(context.Background(), 3, int64Ptr(12))
	if !errors.Is(err, store.ErrPromotionNotFound) {
		t.Fatalf("expected ErrPromotionNotFound when quoting a price, got %v", err)
	}
}

func TestPlanChargeAppliesDiscount(t *testing.T) {
	var captured store.SettlementParams
	repo := happyPathStub(t, &captured)
	repo.getPromotionFn = func(ctx context.Context, promoID int64) (*domain.Promotion, error) {
		return &domain.Promotion{ID: promoID, ChannelID: 7, PromoType: "discount", Value: 0.25, IsActive: true}, nil
	}
	service := NewService(repo, newFakeTxCache())

	charge, err := service.PlanCharge(context.Background(), 3, int64Ptr(12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approxEqual(charge, 7.50) {
		t.Fatalf("expected 7.50 after 25%% discount on a 10.00 plan, got %v", charge)
	}
}

func TestRetryDelaySecondsBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    int
	}{
		{1, 5}, {2, 10}, {3, 20}, {4, 40}, {5, 80}, {6, 160}, {7, 300}, {12, 300}, {0, 5},
	}
	for _, tc := range cases {
		if got := retryDelaySeconds(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected delay %d, got %d", tc.attempt, tc.want, got)
		}
	}
}
