/**
 * @description
 * This file provides the PostgreSQL implementation of the read side of the
 * `Repository` interface: plan/channel/user lookups, the referral chain
 * query, fee configuration, and the dashboard ledger views.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/channelpass/membership-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetPlanByID retrieves a plan by its id.
func (r *PostgresRepository) GetPlanByID(ctx context.Context, planID int64) (*domain.Plan, error) {
	var plan domain.Plan
	query := `SELECT id, channel_id, name, price, duration_days, is_active, created_at FROM plans WHERE id = $1`
	err := r.db.QueryRow(ctx, query, planID).Scan(
		&plan.ID, &plan.ChannelID, &plan.Name, &plan.Price, &plan.DurationDays, &plan.IsActive, &plan.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

// GetChannelByID retrieves a channel by its id.
func (r *PostgresRepository) GetChannelByID(ctx context.Context, channelID int64) (*domain.Channel, error) {
	var channel domain.Channel
	query := `SELECT id, owner_id, telegram_id, title, welcome_message, created_at FROM channels WHERE id = $1`
	err := r.db.QueryRow(ctx, query, channelID).Scan(
		&channel.ID, &channel.OwnerID, &channel.TelegramID, &channel.Title, &channel.WelcomeMessage, &channel.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	return &channel, nil
}

// GetUserByID retrieves a user by their id.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, telegram_id, username, full_name, email, is_owner, referral_code,
		       referred_by_id, balance, affiliate_balance, created_at
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.TelegramID, &user.Username, &user.FullName, &user.Email, &user.IsOwner,
		&user.ReferralCode, &user.ReferredByID, &user.Balance, &user.AffiliateBalance, &user.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetPromotionByID retrieves a promotion by its id.
func (r *PostgresRepository) GetPromotionByID(ctx context.Context, promoID int64) (*domain.Promotion, error) {
	var promo domain.Promotion
	query := `SELECT id, channel_id, code, promo_type, value, max_uses, current_uses, is_active FROM promotions WHERE id = $1`
	err := r.db.QueryRow(ctx, query, promoID).Scan(
		&promo.ID, &promo.ChannelID, &promo.Code, &promo.PromoType, &promo.Value,
		&promo.MaxUses, &promo.CurrentUses, &promo.IsActive,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPromotionNotFound
		}
		return nil, err
	}
	return &promo, nil
}

// FindPaymentByProviderTxID is the authoritative idempotency check: the
// Redis fast path may be cold or evicted, this lookup never lies.
func (r *PostgresRepository) FindPaymentByProviderTxID(ctx context.Context, providerTxID string) (*domain.Payment, error) {
	var payment domain.Payment
	query := `
		SELECT id, user_id, plan_id, amount, currency, payment_method, provider_tx_id, status,
		       platform_amount, owner_amount, affiliate_amount, created_at
		FROM payments
		WHERE provider_tx_id = $1
	`
	err := r.db.QueryRow(ctx, query, providerTxID).Scan(
		&payment.ID, &payment.UserID, &payment.PlanID, &payment.Amount, &payment.Currency,
		&payment.PaymentMethod, &payment.ProviderTxID, &payment.Status,
		&payment.PlatformAmount, &payment.OwnerAmount, &payment.AffiliateAmount, &payment.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// FindLatestSubscription returns the most recent subscription for a
// (user, plan) pair, active or not.
func (r *PostgresRepository) FindLatestSubscription(ctx context.Context, userID, planID int64) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `
		SELECT id, user_id, plan_id, start_date, end_date, is_active, is_trial
		FROM subscriptions
		WHERE user_id = $1 AND plan_id = $2
		ORDER BY end_date DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, userID, planID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.IsActive, &sub.IsTrial,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// GetReferralChain walks `referred_by_id` upward from a user with one
// recursive query, nearest ancestor first. The depth bound caps the result at
// maxDepth rows; the path guard in the CTE stops a cyclic graph from
// recursing forever, but a repeated id can still appear once at the seam, so
// the commission calculator keeps its own visited set.
func (r *PostgresRepository) GetReferralChain(ctx context.Context, userID int64, maxDepth int) ([]domain.ReferralAncestor, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}

	query := `
		WITH RECURSIVE chain AS (
			SELECT u.id, u.telegram_id, u.referred_by_id, 1 AS level, ARRAY[u.id] AS path
			FROM users u
			WHERE u.id = (SELECT referred_by_id FROM users WHERE id = $1)
			UNION ALL
			SELECT p.id, p.telegram_id, p.referred_by_id, c.level + 1, c.path || p.id
			FROM users p
			JOIN chain c ON p.id = c.referred_by_id
			WHERE c.level < $2
			  AND NOT p.id = ANY(c.path)
		)
		SELECT id, telegram_id, referred_by_id, level
		FROM chain
		ORDER BY level
	`
	rows, err := r.db.Query(ctx, query, userID, maxDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ancestors []domain.ReferralAncestor
	for rows.Next() {
		var a domain.ReferralAncestor
		if err := rows.Scan(&a.UserID, &a.TelegramID, &a.ReferredByID, &a.Level); err != nil {
			return nil, err
		}
		ancestors = append(ancestors, a)
	}
	return ancestors, rows.Err()
}

// GetFeeConfig loads every system_config row in one round-trip. The
// settlement engine merges these overrides onto compiled-in defaults once per
// settlement instead of querying per key inside the commission walk.
func (r *PostgresRepository) GetFeeConfig(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM system_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	config := make(map[string]float64)
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		config[key] = value
	}
	return config, rows.Err()
}

// ListAffiliateEarnings retrieves an affiliate's earning feed, newest first.
func (r *PostgresRepository) ListAffiliateEarnings(ctx context.Context, affiliateID int64, limit, offset int) ([]domain.AffiliateEarning, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, payment_id, affiliate_id, level, amount, created_at
		FROM affiliate_earnings
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, affiliateID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var earnings []domain.AffiliateEarning
	for rows.Next() {
		var e domain.AffiliateEarning
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.AffiliateID, &e.Level, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		earnings = append(earnings, e)
	}
	return earnings, rows.Err()
}

// ListSubscriptionsByUser retrieves all subscriptions for a user, newest first.
func (r *PostgresRepository) ListSubscriptionsByUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	query := `
		SELECT id, user_id, plan_id, start_date, end_date, is_active, is_trial
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY end_date DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.IsActive, &sub.IsTrial); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetNetworkLevelCounts summarizes a user's downline per level over the same
// referred_by_id graph the commission walker uses, read-only.
func (r *PostgresRepository) GetNetworkLevelCounts(ctx context.Context, userID int64, maxDepth int) ([]domain.NetworkLevelCount, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}

	query := `
		WITH RECURSIVE downline AS (
			SELECT u.id, 1 AS level, ARRAY[u.id] AS path
			FROM users u
			WHERE u.referred_by_id = $1
			UNION ALL
			SELECT c.id, d.level + 1, d.path || c.id
			FROM users c
			JOIN downline d ON c.referred_by_id = d.id
			WHERE d.level < $2
			  AND NOT c.id = ANY(d.path)
		)
		SELECT level, COUNT(*)
		FROM downline
		GROUP BY level
		ORDER BY level
	`
	rows, err := r.db.Query(ctx, query, userID, maxDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []domain.NetworkLevelCount
	for rows.Next() {
		var c domain.NetworkLevelCount
		if err := rows.Scan(&c.Level, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
