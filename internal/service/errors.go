package service

import (
	"errors"

	"subscription-reconciler/internal/repository"
)

var (
	ErrPlanIDRequired       = errors.New("plan id is required")
	ErrPlanNotFound         = errors.New("active plan not found")
	ErrPlanMisconfigured    = errors.New("plan has no processor price configured")
	ErrNoActiveSubscription = errors.New("no active subscription to cancel or already canceled")
	ErrEmptyPayload         = errors.New("webhook payload is empty")
	ErrForbidden            = errors.New("access to this resource is forbidden")

	ErrUserNotFound = repository.ErrUserNotFound
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
