/**
 * @description
 * This file implements the atomic settlement transaction: one pgx transaction
 * that inserts the payment row, writes the per-level affiliate earnings,
 * credits owner and ancestor balances under row locks, activates or extends
 * the subscription, counts the promotion use, and enqueues the notification
 * outbox rows. Either everything commits or nothing does.
 *
 * @notes
 * - The payment INSERT runs first. Its unique provider_tx_id index is the
 *   serialization point: a concurrent duplicate fails with 23505 before any
 *   row lock is taken, and the loser re-reads the winner's result.
 * - User rows are locked in ascending id order so two settlements crediting
 *   overlapping chains cannot deadlock.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/channelpass/membership-service/internal/domain"
)

const pgUniqueViolationCode = "23505"

// Settle executes the full settlement transaction and returns the resulting
// payment and subscription. When the provider transaction id already exists,
// it returns the prior settlement with AlreadySettled set instead of an error.
func (r *PostgresRepository) Settle(ctx context.Context, params SettlementParams) (*SettlementResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	payment, err := insertPayment(ctx, tx, params)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			// Lost the race: a concurrent retry settled this transaction id.
			// Surface the winner's result so the caller can respond 200.
			_ = tx.Rollback(ctx)
			return r.readSettledResult(ctx, params)
		}
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	if err := lockUserRows(ctx, tx, params); err != nil {
		return nil, err
	}

	if err := insertEarnings(ctx, tx, payment.ID, params.Splits); err != nil {
		return nil, err
	}

	if err := creditBalances(ctx, tx, params); err != nil {
		return nil, err
	}

	sub, err := upsertSubscription(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if params.AppliedPromo != nil {
		tag, err := tx.Exec(ctx, `UPDATE promotions SET current_uses = current_uses + 1 WHERE id = $1`, *params.AppliedPromo)
		if err != nil {
			return nil, fmt.Errorf("failed to count promotion use: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrPromotionNotFound
		}
	}

	if params.BuildEvents != nil {
		if err := insertOutboxEvents(ctx, tx, params.BuildEvents(payment, sub)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement transaction: %w", err)
	}

	return &SettlementResult{Payment: payment, Subscription: sub}, nil
}

func insertPayment(ctx context.Context, tx pgx.Tx, params SettlementParams) (*domain.Payment, error) {
	payment := &domain.Payment{
		UserID:          params.UserID,
		PlanID:          params.PlanID,
		Amount:          params.Amount,
		Currency:        "usd",
		PaymentMethod:   params.Method,
		ProviderTxID:    params.ProviderTxID,
		Status:          domain.PaymentStatusCompleted,
		PlatformAmount:  params.PlatformNet,
		OwnerAmount:     params.OwnerNet,
		AffiliateAmount: params.AffiliateNet,
	}

	query := `
		INSERT INTO payments (user_id, plan_id, amount, currency, payment_method, provider_tx_id,
		                      status, platform_amount, owner_amount, affiliate_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		payment.UserID, payment.PlanID, payment.Amount, payment.Currency, payment.PaymentMethod,
		payment.ProviderTxID, payment.Status, payment.PlatformAmount, payment.OwnerAmount, payment.AffiliateAmount,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// readSettledResult recovers the prior settlement after a 23505. Runs outside
// the failed transaction on the pool directly.
func (r *PostgresRepository) readSettledResult(ctx context.Context, params SettlementParams) (*SettlementResult, error) {
	if params.ProviderTxID == nil {
		return nil, ErrDuplicateTransaction
	}
	payment, err := r.FindPaymentByProviderTxID(ctx, *params.ProviderTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to read prior settlement: %w", err)
	}
	sub, err := r.FindLatestSubscription(ctx, payment.UserID, payment.PlanID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	return &SettlementResult{Payment: payment, Subscription: sub, AlreadySettled: true}, nil
}

// lockUserRows takes FOR UPDATE locks on every user whose balance the
// settlement touches, in ascending id order.
func lockUserRows(ctx context.Context, tx pgx.Tx, params SettlementParams) error {
	seen := map[int64]struct{}{params.OwnerID: {}}
	ids := []int64{params.OwnerID}
	for _, split := range params.Splits {
		if _, ok := seen[split.AffiliateID]; ok {
			continue
		}
		seen[split.AffiliateID] = struct{}{}
		ids = append(ids, split.AffiliateID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.Query(ctx, `SELECT id FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("failed to lock user rows: %w", err)
	}
	defer rows.Close()

	locked := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		locked++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if locked != len(ids) {
		return ErrUserNotFound
	}
	return nil
}

func insertEarnings(ctx context.Context, tx pgx.Tx, paymentID int64, splits []domain.AffiliateSplit) error {
	for _, split := range splits {
		_, err := tx.Exec(ctx,
			`INSERT INTO affiliate_earnings (payment_id, affiliate_id, level, amount) VALUES ($1, $2, $3, $4)`,
			paymentID, split.AffiliateID, split.Level, split.Amount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert affiliate earning (level %d): %w", split.Level, err)
		}
	}
	return nil
}

func creditBalances(ctx context.Context, tx pgx.Tx, params SettlementParams) error {
	if params.OwnerNet > 0 {
		_, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE id = $2`, params.OwnerNet, params.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to credit owner balance: %w", err)
		}
	}
	for _, split := range params.Splits {
		_, err := tx.Exec(ctx,
			`UPDATE users SET affiliate_balance = affiliate_balance + $1 WHERE id = $2`,
			split.Amount, split.AffiliateID,
		)
		if err != nil {
			return fmt.Errorf("failed to credit affiliate balance (level %d): %w", split.Level, err)
		}
	}
	return nil
}

// renewalEndDate decides what a paid period does to a subscription window:
// a still-live end date stacks the new period on top of it (paying early
// never shortens total access), an elapsed one starts the window from now.
func renewalEndDate(existingEnd, now time.Time, duration time.Duration) (end time.Time, extend bool) {
	if existingEnd.After(now) {
		return existingEnd.Add(duration), true
	}
	return now.Add(duration), false
}

// upsertSubscription extends an active subscription's end date by the plan
// duration, or creates a new subscription when none is live. An expired row
// still flagged active is flipped off before the replacement is inserted.
func upsertSubscription(ctx context.Context, tx pgx.Tx, params SettlementParams) (*domain.Subscription, error) {
	now := time.Now().UTC()
	duration := time.Duration(params.DurationDays) * 24 * time.Hour

	var existing domain.Subscription
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, plan_id, start_date, end_date, is_active, is_trial
		FROM subscriptions
		WHERE user_id = $1 AND plan_id = $2 AND is_active = TRUE
		ORDER BY end_date DESC
		LIMIT 1
		FOR UPDATE
	`, params.UserID, params.PlanID).Scan(
		&existing.ID, &existing.UserID, &existing.PlanID,
		&existing.StartDate, &existing.EndDate, &existing.IsActive, &existing.IsTrial,
	)
	switch {
	case err == nil:
		newEnd, extend := renewalEndDate(existing.EndDate, now, duration)
		if extend {
			// Renewal while still active: stack the new period on the end.
			_, err = tx.Exec(ctx,
				`UPDATE subscriptions SET end_date = $1, is_trial = FALSE WHERE id = $2`,
				newEnd, existing.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to extend subscription: %w", err)
			}
			existing.EndDate = newEnd
			existing.IsTrial = false
			return &existing, nil
		}
		// Active flag outlived the end date; retire the row and fall through.
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET is_active = FALSE WHERE id = $1`, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to retire expired subscription: %w", err)
		}

	case err != pgx.ErrNoRows:
		return nil, fmt.Errorf("failed to look up active subscription: %w", err)
	}

	sub := &domain.Subscription{
		UserID:    params.UserID,
		PlanID:    params.PlanID,
		StartDate: now,
		EndDate:   now.Add(duration),
		IsActive:  true,
		IsTrial:   false,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, plan_id, start_date, end_date, is_active, is_trial)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sub.UserID, sub.PlanID, sub.StartDate, sub.EndDate, sub.IsActive, sub.IsTrial).Scan(&sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return sub, nil
}

func insertOutboxEvents(ctx context.Context, tx pgx.Tx, events []OutboxEvent) error {
	for _, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO notification_outbox (exchange, routing_key, payload, status, attempts, next_attempt_at)
			VALUES ($1, $2, $3, 'pending', 0, NOW())
		`, event.Exchange, event.RoutingKey, payload)
		if err != nil {
			return fmt.Errorf("failed to enqueue outbox event: %w", err)
		}
	}
	return nil
}
