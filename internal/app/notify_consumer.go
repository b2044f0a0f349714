/**
 * @description
 * This file implements the notification consumer: it handles messages from
 * the membership events queue and turns them into Telegram messages for the
 * payer and credited affiliates. Delivery problems are isolated here; nothing
 * in this file can affect a settlement that already committed.
 *
 * @notes
 * - The outbox dispatcher is at-least-once, so every event carries an id and
 *   the consumer deduplicates before sending.
 * - Users without a linked Telegram account are skipped, not retried.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/channelpass/membership-service/internal/domain"
)

// TelegramSender abstracts the Telegram Bot API client.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// NotificationConsumer translates membership events into Telegram messages.
type NotificationConsumer struct {
	telegram TelegramSender
	redis    *redis.Client
}

// NewNotificationConsumer creates a consumer. The Redis client is optional;
// without it duplicate events may produce duplicate messages.
func NewNotificationConsumer(telegram TelegramSender, redisClient *redis.Client) *NotificationConsumer {
	return &NotificationConsumer{telegram: telegram, redis: redisClient}
}

// HandleMessage processes one message from the notifications queue. A nil
// return acks the message; an error nacks it for redelivery.
func (c *NotificationConsumer) HandleMessage(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case domain.RoutingKeyMembershipActivated:
		var event domain.MembershipActivatedEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Printf("level=error component=notify_consumer msg=\"malformed activation event; dropping\" err=%v", err)
			return nil
		}
		return c.handleMembershipActivated(ctx, event)

	case domain.RoutingKeyCommissionCredited:
		var event domain.CommissionCreditedEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Printf("level=error component=notify_consumer msg=\"malformed commission event; dropping\" err=%v", err)
			return nil
		}
		return c.handleCommissionCredited(ctx, event)

	default:
		log.Printf("level=warn component=notify_consumer msg=\"unhandled routing key; dropping\" routing_key=%s", routingKey)
		return nil
	}
}

func (c *NotificationConsumer) handleMembershipActivated(ctx context.Context, event domain.MembershipActivatedEvent) error {
	if c.alreadyHandled(ctx, event.EventID.String()) {
		return nil
	}
	if event.TelegramID == nil {
		log.Printf("level=info component=notify_consumer msg=\"payer has no telegram account; skipping\" user_id=%d", event.UserID)
		return nil
	}

	text := fmt.Sprintf("✅ Your membership to %s is active until %s.",
		event.ChannelTitle, event.EndDate.Format("Jan 2, 2006"))
	if event.WelcomeMessage != nil && *event.WelcomeMessage != "" {
		text += "\n\n" + *event.WelcomeMessage
	}

	if err := c.telegram.SendMessage(ctx, *event.TelegramID, text); err != nil {
		return fmt.Errorf("failed to send activation message: %w", err)
	}
	return nil
}

func (c *NotificationConsumer) handleCommissionCredited(ctx context.Context, event domain.CommissionCreditedEvent) error {
	if c.alreadyHandled(ctx, event.EventID.String()) {
		return nil
	}
	if event.TelegramID == nil {
		return nil
	}

	text := fmt.Sprintf("💰 You earned a $%.2f level %d commission from your network.", event.Amount, event.Level)
	if err := c.telegram.SendMessage(ctx, *event.TelegramID, text); err != nil {
		return fmt.Errorf("failed to send commission message: %w", err)
	}
	return nil
}

// alreadyHandled records the event id with SETNX. A set failure counts as
// not-handled; a duplicate message is the cheaper mistake.
func (c *NotificationConsumer) alreadyHandled(ctx context.Context, eventID string) bool {
	if c.redis == nil || eventID == "" {
		return false
	}
	ok, err := c.redis.SetNX(ctx, "notified_event:"+eventID, 1, 72*time.Hour).Result()
	if err != nil {
		log.Printf("level=warn component=notify_consumer msg=\"dedupe check failed; proceeding\" event_id=%s err=%v", eventID, err)
		return false
	}
	return !ok
}
