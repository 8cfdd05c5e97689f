package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/metrics"
	"subscription-reconciler/internal/model"
	"subscription-reconciler/internal/repository"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// subscriptionChange is one write to a user's subscription columns.
// Zero fields leave the stored value alone.
type subscriptionChange struct {
	SubscriptionID string
	// ExpectSubscriptionID, when set, is the subscription the caller looked the
	// user up by. A record that has since moved to another subscription is left alone.
	ExpectSubscriptionID string
	CustomerID     string
	Status         model.SubscriptionStatus
	PlanID         *string
	// EventTime is the processor's creation time of the event driving the change.
	// Zero means a direct refresh, which skips the ordering guard and keeps the marker.
	EventTime time.Time
}

func clearPlan() *string {
	empty := ""
	return &empty
}

func planID(id string) *string {
	return &id
}

// applyChange writes ch to the user's record. It leaves the record untouched and
// reports OutcomeUnmatched when the user no longer holds the expected subscription,
// and OutcomeStale for events created before the last applied event or events
// that would move a canceled subscription out of canceled.
func applyChange(ctx context.Context, users repository.UserRepository, userID string, ch subscriptionChange) (*model.User, Outcome, error) {
	var (
		from    model.SubscriptionStatus
		skipped Outcome
	)

	u, err := users.UpdateSubscription(ctx, userID, func(u *model.User) (bool, error) {
		sub := &u.Subscription
		from = sub.Status
		skipped = ""

		if ch.ExpectSubscriptionID != "" && sub.ProcessorSubscriptionID != ch.ExpectSubscriptionID {
			skipped = OutcomeUnmatched
			return false, nil
		}
		if !ch.EventTime.IsZero() && sub.LastReconciledAt != nil && ch.EventTime.Before(*sub.LastReconciledAt) {
			skipped = OutcomeStale
			return false, nil
		}
		if reopensCanceled(*sub, ch) {
			skipped = OutcomeStale
			return false, nil
		}

		before := *sub
		if ch.SubscriptionID != "" {
			sub.ProcessorSubscriptionID = ch.SubscriptionID
		}
		if ch.CustomerID != "" {
			switch sub.ProcessorCustomerID {
			case "":
				sub.ProcessorCustomerID = ch.CustomerID
			case ch.CustomerID:
			default:
				log.Warn().
					Str("user_id", u.ID).
					Str("stored_customer_id", sub.ProcessorCustomerID).
					Str("event_customer_id", ch.CustomerID).
					Msg("processor reported a different customer, keeping stored id")
			}
		}
		if ch.Status != "" {
			sub.Status = ch.Status
		}
		if ch.PlanID != nil {
			sub.ActivePlanID = *ch.PlanID
		}
		if !ch.EventTime.IsZero() {
			at := ch.EventTime.UTC()
			sub.LastReconciledAt = &at
		}

		return !sameSubscription(before, *sub), nil
	})
	if err != nil {
		return nil, OutcomeFailed, err
	}
	if skipped != "" {
		return u, skipped, nil
	}

	recordStatus(u.ID, from, u.Subscription.Status)
	return u, OutcomeApplied, nil
}

// reopensCanceled reports whether an event-driven change would take a canceled
// subscription to another status. Canceled is terminal per subscription id; a
// new subscription id is not affected.
func reopensCanceled(sub model.UserSubscription, ch subscriptionChange) bool {
	if ch.EventTime.IsZero() || sub.Status != model.StatusCanceled {
		return false
	}
	if ch.Status == "" || ch.Status == model.StatusCanceled {
		return false
	}
	target := ch.ExpectSubscriptionID
	if target == "" {
		target = ch.SubscriptionID
	}
	return target != "" && target == sub.ProcessorSubscriptionID
}

func sameSubscription(a, b model.UserSubscription) bool {
	if a.ProcessorCustomerID != b.ProcessorCustomerID ||
		a.ProcessorSubscriptionID != b.ProcessorSubscriptionID ||
		a.Status != b.Status ||
		a.ActivePlanID != b.ActivePlanID {
		return false
	}
	switch {
	case a.LastReconciledAt == nil && b.LastReconciledAt == nil:
		return true
	case a.LastReconciledAt == nil || b.LastReconciledAt == nil:
		return false
	default:
		return a.LastReconciledAt.Equal(*b.LastReconciledAt)
	}
}

func recordStatus(userID string, from, to model.SubscriptionStatus) {
	if from == to {
		return
	}

	metrics.StatusTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	if !to.Known() {
		metrics.UnknownStatusTotal.WithLabelValues(to.String()).Inc()
		log.Warn().
			Str("user_id", userID).
			Str("status", to.String()).
			Msg("processor reported an unrecognised subscription status, stored as-is")
	}

	log.Info().
		Str("user_id", userID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("subscription status changed")
}

// resolvePlan maps a processor price back to a catalog plan id.
func resolvePlan(plans *catalog.Catalog, priceID string) (string, bool) {
	p, ok := plans.FindByPriceID(priceID)
	if !ok {
		return "", false
	}
	return p.ID, true
}

// snapshotChange turns a live processor snapshot into a change. A canceled
// subscription clears the plan; an unresolvable price leaves it as stored.
func snapshotChange(plans *catalog.Catalog, snap *model.SubscriptionSnapshot) subscriptionChange {
	ch := subscriptionChange{
		CustomerID: snap.CustomerID,
		Status:     snap.Status,
	}
	if snap.Status == model.StatusCanceled {
		ch.PlanID = clearPlan()
	} else if id, ok := resolvePlan(plans, snap.PriceID); ok {
		ch.PlanID = planID(id)
	} else if snap.PriceID != "" {
		log.Warn().
			Str("subscription_id", snap.ID).
			Str("price_id", snap.PriceID).
			Msg("price not in plan catalog")
	}
	return ch
}
