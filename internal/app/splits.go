/**
 * @description
 * This file implements the money math of a settlement: the fee schedule
 * loaded from system_config overrides, the currency normalizer, and the pure
 * split computation that turns a normalized payment amount and a referral
 * chain into owner/platform/affiliate shares.
 *
 * @notes
 * - ComputeSplits is deliberately side-effect free so it can be exercised
 *   exhaustively without a database.
 * - The platform share is the affiliate pool's remainder after per-level
 *   payouts, clamped at zero so a misconfigured schedule over-distributing
 *   the pool cannot make the platform's share negative.
 */

package app

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/channelpass/membership-service/internal/domain"
)

// Maximum depth of a commission chain.
const MaxCommissionLevels = 10

// Default fee schedule, overridable per key through system_config.
const (
	defaultPlatformFee = 0.10
	defaultUsdCopRate  = 4000.0
)

var defaultLevelFees = [MaxCommissionLevels]float64{
	0.03, 0.01, 0.005, 0.003, 0.002, 0.001, 0.001, 0.001, 0.001, 0.001,
}

// FeeSchedule is an immutable snapshot of the fee configuration taken once
// per settlement, so every split in one payment is computed against the same
// numbers even if an admin edits system_config mid-flight.
type FeeSchedule struct {
	PlatformFee float64
	LevelFees   [MaxCommissionLevels]float64
	UsdCopRate  float64
}

// NewFeeSchedule merges system_config overrides over the compiled-in
// defaults. Unknown keys are ignored; absent keys keep their defaults.
func NewFeeSchedule(overrides map[string]float64) FeeSchedule {
	schedule := FeeSchedule{
		PlatformFee: defaultPlatformFee,
		LevelFees:   defaultLevelFees,
		UsdCopRate:  defaultUsdCopRate,
	}
	if overrides == nil {
		return schedule
	}
	if v, ok := overrides["platform_fee"]; ok && v >= 0 {
		schedule.PlatformFee = v
	}
	if v, ok := overrides["usd_cop_rate"]; ok && v > 0 {
		schedule.UsdCopRate = v
	}
	for level := 1; level <= MaxCommissionLevels; level++ {
		key := fmt.Sprintf("affiliate_level_%d_fee", level)
		if v, ok := overrides[key]; ok && v >= 0 {
			schedule.LevelFees[level-1] = v
		}
	}
	return schedule
}

// NormalizeToUSD converts a gateway-reported amount to USD. COP amounts are
// divided by the configured exchange rate; an unrecognized currency passes
// through unchanged with a warning so an odd gateway payload degrades to a
// wrong number in the ledger rather than a dropped settlement.
func (s FeeSchedule) NormalizeToUSD(amount float64, currency string) float64 {
	switch strings.ToLower(strings.TrimSpace(currency)) {
	case "usd", "":
		return amount
	case "cop":
		return amount / s.UsdCopRate
	default:
		log.Printf("level=warn component=settlement msg=\"unknown currency; passing amount through as usd\" currency=%s amount=%.2f", currency, amount)
		return amount
	}
}

// SplitResult is the full monetary outcome of one settlement computation.
type SplitResult struct {
	OwnerNet     float64
	PlatformNet  float64
	AffiliateNet float64
	Splits       []domain.AffiliateSplit
}

// ComputeSplits distributes a normalized USD amount: the owner keeps
// amount minus the platform fee, and the platform fee pool is carved into
// per-level commissions for the owner's referral ancestors. Ancestors beyond
// the configured chain, repeated ids from a cyclic graph, and the owner
// themself are skipped; whatever the chain does not absorb stays with the
// platform.
func (s FeeSchedule) ComputeSplits(amount float64, ownerID int64, chain []domain.ReferralAncestor) SplitResult {
	pool := round2(amount * s.PlatformFee)
	result := SplitResult{
		OwnerNet: round2(amount - pool),
	}

	visited := map[int64]struct{}{ownerID: {}}
	distributed := 0.0
	for _, ancestor := range chain {
		if ancestor.Level < 1 || ancestor.Level > MaxCommissionLevels {
			continue
		}
		if _, ok := visited[ancestor.UserID]; ok {
			continue
		}
		visited[ancestor.UserID] = struct{}{}

		// Every reached level gets its ledger row, even at a zero fee; the
		// audit trail records who was in the chain, not just who got paid.
		share := round2(amount * s.LevelFees[ancestor.Level-1])
		result.Splits = append(result.Splits, domain.AffiliateSplit{
			AffiliateID: ancestor.UserID,
			TelegramID:  ancestor.TelegramID,
			Level:       ancestor.Level,
			Amount:      share,
		})
		distributed += share
	}

	result.AffiliateNet = round2(distributed)
	result.PlatformNet = round2(math.Max(0, pool-distributed))
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
