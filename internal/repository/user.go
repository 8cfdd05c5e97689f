package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"subscription-reconciler/internal/model"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrConcurrentUpdate = errors.New("concurrent subscription update, retries exhausted")

	errVersionConflict = errors.New("user version changed")
)

const (
	maxUpdateAttempts    = 5
	updateRetryBaseDelay = 5 * time.Millisecond
)

// SubscriptionMutation edits u in place and reports whether anything changed.
// It may be invoked more than once when a concurrent writer wins the race.
type SubscriptionMutation func(u *model.User) (changed bool, err error)

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	Get(ctx context.Context, id string) (*model.User, error)
	// FindBySubscriptionID returns nil, nil when no user holds subscriptionID.
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.User, error)
	// SetCustomerIDIfEmpty stores customerID unless the user already has one, and
	// returns whichever id is stored afterwards.
	SetCustomerIDIfEmpty(ctx context.Context, id, customerID string) (string, error)
	UpdateSubscription(ctx context.Context, id string, mutate SubscriptionMutation) (*model.User, error)
	// ListReconcilable returns users holding a subscription that is not yet terminal.
	ListReconcilable(ctx context.Context) ([]*model.User, error)
}

type userRepoImpl struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepoImpl{
		db: db,
	}
}

func (r *userRepoImpl) Create(ctx context.Context, user *model.User) error {
	if user.Subscription.Status == "" {
		user.Subscription.Status = model.StatusInactive
	}
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepoImpl) Get(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&user).
		Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &user, nil
}

func (r *userRepoImpl) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.User, error) {
	if subscriptionID == "" {
		return nil, nil
	}

	var user model.User
	err := r.db.WithContext(ctx).
		Where("processor_subscription_id = ?", subscriptionID).
		Order("updated_at DESC").
		First(&user).
		Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by subscription: %w", err)
	}

	return &user, nil
}

func (r *userRepoImpl) SetCustomerIDIfEmpty(ctx context.Context, id, customerID string) (string, error) {
	res := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND (processor_customer_id = '' OR processor_customer_id IS NULL)", id).
		Updates(map[string]interface{}{
			"processor_customer_id": customerID,
			"version":               gorm.Expr("version + 1"),
			"updated_at":            time.Now(),
		})
	if res.Error != nil {
		return "", fmt.Errorf("set customer id: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return customerID, nil
	}

	// either the user is gone or another writer stored a customer first
	user, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return user.Subscription.ProcessorCustomerID, nil
}

// UpdateSubscription runs an optimistic read-modify-write on the subscription
// columns, guarded by the version column.
func (r *userRepoImpl) UpdateSubscription(ctx context.Context, id string, mutate SubscriptionMutation) (*model.User, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * updateRetryBaseDelay):
			}
		}

		user, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		changed, err := mutate(user)
		if err != nil {
			return nil, err
		}
		if !changed {
			return user, nil
		}

		err = r.compareAndSwap(ctx, user)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return user, nil
	}

	return nil, fmt.Errorf("%w: user %s", ErrConcurrentUpdate, id)
}

func (r *userRepoImpl) compareAndSwap(ctx context.Context, user *model.User) error {
	now := time.Now()
	sub := user.Subscription

	res := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND version = ?", user.ID, user.Version).
		Updates(map[string]interface{}{
			"processor_customer_id":     sub.ProcessorCustomerID,
			"processor_subscription_id": sub.ProcessorSubscriptionID,
			"status":                    sub.Status,
			"active_plan_id":            sub.ActivePlanID,
			"last_reconciled_at":        sub.LastReconciledAt,
			"version":                   user.Version + 1,
			"updated_at":                now,
		})
	if res.Error != nil {
		return fmt.Errorf("update subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}

	user.Version++
	user.UpdatedAt = now
	return nil
}

func (r *userRepoImpl) ListReconcilable(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).
		Where("processor_subscription_id <> ''").
		Where("status NOT IN ?", []model.SubscriptionStatus{model.StatusInactive, model.StatusCanceled}).
		Order("id").
		Find(&users).
		Error

	if err != nil {
		return nil, fmt.Errorf("list reconcilable users: %w", err)
	}

	return users, nil
}
