package model

import "time"

// SubscriptionStatus is the processor's subscription status, stored verbatim.
// It is an open vocabulary: values not listed below are still valid.
type SubscriptionStatus string

const (
	StatusInactive          SubscriptionStatus = "inactive"
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusPaused            SubscriptionStatus = "paused"
)

var knownStatuses = map[SubscriptionStatus]struct{}{
	StatusInactive:          {},
	StatusActive:            {},
	StatusTrialing:          {},
	StatusIncomplete:        {},
	StatusIncompleteExpired: {},
	StatusPastDue:           {},
	StatusUnpaid:            {},
	StatusCanceled:          {},
	StatusPaused:            {},
}

func (s SubscriptionStatus) Known() bool {
	_, ok := knownStatuses[s]
	return ok
}

func (s SubscriptionStatus) String() string {
	return string(s)
}

// SubscriptionSnapshot is the live state of a subscription as reported by the processor.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	PriceID            string
}

// CheckoutSession is a processor-hosted checkout created for a user.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}
