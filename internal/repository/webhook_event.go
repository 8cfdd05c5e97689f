package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subscription-reconciler/internal/model"
)

// EventLedger remembers processed webhook event ids so redeliveries are not applied twice.
type EventLedger interface {
	// Claim records eventID and reports whether this caller is the first to see it.
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	// Release forgets a claim so a failed event can be retried by a resend.
	Release(ctx context.Context, eventID string) error
	// Prune drops entries processed before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type webhookEventRepositoryImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) EventLedger {
	return &webhookEventRepositoryImpl{db: db}
}

func (r *webhookEventRepositoryImpl) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.WebhookEvent{
			EventID:     eventID,
			EventType:   eventType,
			ProcessedAt: time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim webhook event: %w", res.Error)
	}

	return res.RowsAffected == 1, nil
}

func (r *webhookEventRepositoryImpl) Release(ctx context.Context, eventID string) error {
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&model.WebhookEvent{}).
		Error
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

func (r *webhookEventRepositoryImpl) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed_at < ?", before).
		Delete(&model.WebhookEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune webhook events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

const redisEventKeyPrefix = "billing:webhook_event:"

type redisEventLedger struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisEventLedger keeps claims as keys that expire after retention.
func NewRedisEventLedger(rdb *redis.Client, retention time.Duration) EventLedger {
	return &redisEventLedger{rdb: rdb, retention: retention}
}

func (l *redisEventLedger) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, redisEventKeyPrefix+eventID, eventType, l.retention).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return ok, nil
}

func (l *redisEventLedger) Release(ctx context.Context, eventID string) error {
	if err := l.rdb.Del(ctx, redisEventKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// Prune is a no-op: redis expires claims on its own.
func (l *redisEventLedger) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}
