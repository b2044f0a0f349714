/**
 * @description
 * This file implements the outbox dispatcher: a background loop that drains
 * the notification_outbox table and publishes each row to RabbitMQ. Rows are
 * claimed with SKIP LOCKED so several service instances can run dispatchers
 * side by side; failed publishes are rescheduled with exponential backoff.
 * Settlement transactions only ever append to the table, so a RabbitMQ
 * outage delays notifications without ever blocking payments.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/channelpass/membership-service/internal/store"
)

const (
	outboxStaleAfterSeconds = 120
	outboxMaxRetryDelaySecs = 300
)

// EventPublisher abstracts the message broker producer.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// OutboxDispatcher polls the outbox and publishes claimed messages.
type OutboxDispatcher struct {
	repo         store.OutboxRepository
	publisher    EventPublisher
	batchSize    int
	pollInterval time.Duration
}

// NewOutboxDispatcher creates a dispatcher.
func NewOutboxDispatcher(repo store.OutboxRepository, publisher EventPublisher, batchSize int, pollInterval time.Duration) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	if pollInterval <= 0 {
		pollInterval = 1200 * time.Millisecond
	}
	return &OutboxDispatcher{
		repo:         repo,
		publisher:    publisher,
		batchSize:    batchSize,
		pollInterval: pollInterval,
	}
}

// Run polls until the context is cancelled. Intended to be launched as a
// goroutine from main.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	log.Printf("level=info component=outbox_dispatcher msg=\"dispatcher started\" batch_size=%d poll_interval=%s", d.batchSize, d.pollInterval)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=outbox_dispatcher msg=\"dispatcher stopping\"")
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

// drainOnce claims one batch and publishes it. Keeps claiming while full
// batches come back so a backlog clears faster than one batch per tick.
func (d *OutboxDispatcher) drainOnce(ctx context.Context) {
	for {
		messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, outboxStaleAfterSeconds)
		if err != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"failed to claim outbox batch\" err=%v", err)
			return
		}
		if len(messages) == 0 {
			return
		}

		for _, msg := range messages {
			d.publishOne(ctx, msg)
		}

		if len(messages) < d.batchSize {
			return
		}
	}
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, msg store.OutboxMessage) {
	if err := d.publisher.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Payload); err != nil {
		delay := retryDelaySeconds(msg.Attempts + 1)
		log.Printf("level=warn component=outbox_dispatcher msg=\"publish failed; rescheduling\" outbox_id=%d attempts=%d retry_in=%ds err=%v",
			msg.ID, msg.Attempts+1, delay, err)
		if markErr := d.repo.MarkOutboxFailed(ctx, msg.ID, delay, err.Error()); markErr != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"failed to reschedule outbox message\" outbox_id=%d err=%v", msg.ID, markErr)
		}
		return
	}
	if err := d.repo.MarkOutboxPublished(ctx, msg.ID); err != nil {
		// The stale-claim sweep will re-deliver; consumers dedupe on event id.
		log.Printf("level=error component=outbox_dispatcher msg=\"published but failed to mark outbox row\" outbox_id=%d err=%v", msg.ID, err)
	}
}

// retryDelaySeconds grows the retry interval exponentially with the attempt
// count, capped so a poisoned message retries every five minutes at worst.
func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	delay := 5
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= outboxMaxRetryDelaySecs {
			return outboxMaxRetryDelaySecs
		}
	}
	return delay
}
