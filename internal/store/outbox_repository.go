/**
 * @description
 * This file implements the persistence side of the notification outbox: the
 * dispatcher claims pending rows with FOR UPDATE SKIP LOCKED so multiple
 * instances can drain the table concurrently, then marks each row published
 * or reschedules it with backoff.
 */

package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage is one claimed notification row awaiting publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// ClaimOutboxMessages atomically claims up to limit pending messages that are
// due, plus processing rows stuck longer than staleAfterSeconds (a dispatcher
// that died mid-publish). Claimed rows move to 'processing' so concurrent
// dispatchers skip them.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	staleBefore := time.Now().UTC().Add(-time.Duration(staleAfterSeconds) * time.Second)

	query := `
		WITH claimed AS (
			SELECT id
			FROM notification_outbox
			WHERE (status = 'pending' AND next_attempt_at <= NOW())
			   OR (status = 'processing' AND updated_at < $2)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_outbox o
		SET status = 'processing', updated_at = NOW()
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload, o.attempts
	`
	rows, err := r.db.Query(ctx, query, limit, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.Attempts); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished finalizes a successfully published message.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'published', published_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxFailed records a failed publish attempt and schedules the retry.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox message %d: %w", id, err)
	}
	return nil
}
