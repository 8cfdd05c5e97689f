package model

import "time"

// User is the Account Directory's user row. The billing engine owns only the
// subscription columns; everything else is written by the account service.
type User struct {
	ID        string `gorm:"primaryKey;size:64;not null"`
	Email     string `gorm:"size:255;uniqueIndex;not null"`
	FirstName string `gorm:"size:128"`
	LastName  string `gorm:"size:128"`

	Subscription UserSubscription `gorm:"embedded"`

	// Version is bumped on every subscription write; updates compare-and-swap on it.
	Version   int64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.LastName
	}
}

// UserSubscription mirrors the processor's view of a user's subscription.
type UserSubscription struct {
	ProcessorCustomerID     string             `gorm:"size:128;index"`
	ProcessorSubscriptionID string             `gorm:"size:128;index"`
	Status                  SubscriptionStatus `gorm:"size:32;not null;default:inactive"`
	ActivePlanID            string             `gorm:"size:64"`
	// LastReconciledAt is the processor creation time of the last webhook event applied.
	LastReconciledAt *time.Time
}

// HasOpenSubscription reports whether the user holds a subscription that can still be canceled.
func (s UserSubscription) HasOpenSubscription() bool {
	if s.ProcessorSubscriptionID == "" {
		return false
	}
	return s.Status != StatusInactive && s.Status != StatusCanceled
}

type WebhookEvent struct {
	EventID     string `gorm:"primaryKey;size:128;not null"`
	EventType   string `gorm:"size:64;index"`
	ProcessedAt time.Time
	CreatedAt   time.Time `gorm:"index"`
}
