package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/model"
	"subscription-reconciler/internal/repository"
)

type SubscriptionService interface {
	ListPlans(ctx context.Context) []catalog.Plan
	StartCheckout(ctx context.Context, userID, planID string) (*model.CheckoutSession, error)
	// GetSubscription returns nil when the user holds no live subscription.
	GetSubscription(ctx context.Context, userID string) (*SubscriptionView, error)
	Cancel(ctx context.Context, userID string, atPeriodEnd bool) (*CancelResult, error)
	ReconcileUser(ctx context.Context, userID string) (Outcome, error)
	ReconcileAll(ctx context.Context) (*ReconcileReport, error)
}

// SubscriptionView is the processor's live view of a subscription joined with the local plan.
type SubscriptionView struct {
	ProcessorSubscriptionID string
	Status                  model.SubscriptionStatus
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	CancelAtPeriodEnd       bool
	Plan                    *catalog.Plan
}

type CancelResult struct {
	Status            model.SubscriptionStatus
	CancelAtPeriodEnd bool
}

type ReconcileReport struct {
	Checked int
	Updated int
	Failed  int
}

type subscriptionServiceImpl struct {
	users   repository.UserRepository
	gateway client.PaymentGateway
	plans   *catalog.Catalog

	provisioning singleflight.Group
}

func NewSubscriptionService(
	users repository.UserRepository,
	gateway client.PaymentGateway,
	plans *catalog.Catalog,
) SubscriptionService {
	return &subscriptionServiceImpl{
		users:   users,
		gateway: gateway,
		plans:   plans,
	}
}

func (s *subscriptionServiceImpl) ListPlans(ctx context.Context) []catalog.Plan {
	return s.plans.Active()
}

func (s *subscriptionServiceImpl) StartCheckout(ctx context.Context, userID, planID string) (*model.CheckoutSession, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, ErrPlanIDRequired
	}

	plan, ok := s.plans.Get(planID)
	if !ok || !plan.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	priceID := plan.PriceID()
	if priceID == "" {
		log.Error().Str("plan_id", plan.ID).Msg("plan has no processor price id")
		return nil, fmt.Errorf("%w: %s", ErrPlanMisconfigured, plan.ID)
	}
	if strings.HasPrefix(priceID, catalog.PlaceholderPricePrefix) {
		log.Warn().
			Str("plan_id", plan.ID).
			Str("price_id", priceID).
			Msg("plan still uses a placeholder price id")
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateSubscriptionCheckoutSession(ctx, customerID, priceID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	log.Info().
		Str("user_id", user.ID).
		Str("plan_id", plan.ID).
		Str("session_id", session.SessionID).
		Msg("checkout session created")

	return session, nil
}

// ensureCustomer returns the user's processor customer, creating it at most once.
// Concurrent callers for one user share a single in-flight creation.
func (s *subscriptionServiceImpl) ensureCustomer(ctx context.Context, user *model.User) (string, error) {
	if id := user.Subscription.ProcessorCustomerID; id != "" {
		return id, nil
	}

	v, err, _ := s.provisioning.Do(user.ID, func() (interface{}, error) {
		// shared by all coalesced callers; bounded by the gateway's per-call timeout
		ctx := context.WithoutCancel(ctx)

		fresh, err := s.users.Get(ctx, user.ID)
		if err != nil {
			return "", err
		}
		if id := fresh.Subscription.ProcessorCustomerID; id != "" {
			return id, nil
		}

		created, err := s.gateway.CreateCustomer(ctx, client.CustomerRequest{
			UserID: fresh.ID,
			Email:  fresh.Email,
			Name:   fresh.DisplayName(),
		})
		if err != nil {
			return "", fmt.Errorf("create customer: %w", err)
		}

		stored, err := s.users.SetCustomerIDIfEmpty(ctx, fresh.ID, created)
		if err != nil {
			return "", fmt.Errorf("store customer id: %w", err)
		}
		if stored != created {
			log.Warn().
				Str("user_id", fresh.ID).
				Str("stored_customer_id", stored).
				Str("orphan_customer_id", created).
				Msg("lost customer provisioning race, using stored customer")
		} else {
			log.Info().Str("user_id", fresh.ID).Str("customer_id", stored).Msg("processor customer created")
		}
		return stored, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// maxRefreshAttempts bounds how often the read path starts over after the user
// moved to another subscription mid-refresh.
const maxRefreshAttempts = 3

func (s *subscriptionServiceImpl) GetSubscription(ctx context.Context, userID string) (*SubscriptionView, error) {
	for attempt := 1; ; attempt++ {
		view, outcome, err := s.refreshSubscription(ctx, userID)
		if outcome != OutcomeUnmatched || attempt == maxRefreshAttempts {
			return view, err
		}
		log.Debug().Str("user_id", userID).Msg("subscription changed during refresh, reading again")
	}
}

func (s *subscriptionServiceImpl) refreshSubscription(ctx context.Context, userID string) (*SubscriptionView, Outcome, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, OutcomeFailed, err
	}

	sub := user.Subscription
	if sub.ProcessorSubscriptionID == "" || sub.Status == model.StatusInactive {
		return nil, OutcomeIgnored, nil
	}

	snap, err := s.gateway.RetrieveSubscription(ctx, sub.ProcessorSubscriptionID)
	if errors.Is(err, client.ErrSubscriptionNotFound) {
		outcome, err := s.markGone(ctx, user)
		if err != nil {
			// the processor answered; the stale local row is repaired on the next read
			log.Error().Err(err).Str("user_id", user.ID).Msg("failed to mark subscription inactive")
		}
		return nil, outcome, nil
	}
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("retrieve subscription: %w", err)
	}

	ch := snapshotChange(s.plans, snap)
	ch.ExpectSubscriptionID = sub.ProcessorSubscriptionID

	planID := sub.ActivePlanID
	updated, outcome, err := applyChange(ctx, s.users, user.ID, ch)
	if err == nil && outcome == OutcomeUnmatched {
		return nil, outcome, nil
	}
	if err != nil {
		// the processor answered, so the caller still gets the live view
		log.Error().Err(err).Str("user_id", user.ID).Msg("failed to store refreshed subscription")
		if ch.PlanID != nil {
			planID = *ch.PlanID
		}
	} else {
		planID = updated.Subscription.ActivePlanID
	}

	view := &SubscriptionView{
		ProcessorSubscriptionID: snap.ID,
		Status:                  snap.Status,
		CurrentPeriodStart:      snap.CurrentPeriodStart,
		CurrentPeriodEnd:        snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:       snap.CancelAtPeriodEnd,
	}
	if view.ProcessorSubscriptionID == "" {
		view.ProcessorSubscriptionID = sub.ProcessorSubscriptionID
	}
	if plan, ok := s.plans.Get(planID); ok {
		view.Plan = &plan
	}

	return view, OutcomeApplied, nil
}

// markGone records that the processor no longer knows the user's subscription.
// It returns OutcomeUnmatched when the user already holds a different one.
func (s *subscriptionServiceImpl) markGone(ctx context.Context, user *model.User) (Outcome, error) {
	subID := user.Subscription.ProcessorSubscriptionID
	log.Warn().
		Str("user_id", user.ID).
		Str("subscription_id", subID).
		Msg("subscription missing at processor, marking inactive")

	_, outcome, err := applyChange(ctx, s.users, user.ID, subscriptionChange{
		ExpectSubscriptionID: subID,
		Status:               model.StatusInactive,
		PlanID:               clearPlan(),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("mark subscription %s inactive: %w", subID, err)
	}
	return outcome, nil
}

func (s *subscriptionServiceImpl) Cancel(ctx context.Context, userID string, atPeriodEnd bool) (*CancelResult, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Subscription.HasOpenSubscription() {
		return nil, ErrNoActiveSubscription
	}

	snap, err := s.gateway.CancelSubscription(ctx, user.Subscription.ProcessorSubscriptionID, atPeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	ch := subscriptionChange{
		ExpectSubscriptionID: user.Subscription.ProcessorSubscriptionID,
		Status:               snap.Status,
	}
	if snap.Status == model.StatusCanceled {
		ch.PlanID = clearPlan()
	}
	_, outcome, err := applyChange(ctx, s.users, user.ID, ch)
	if err != nil {
		return nil, fmt.Errorf("store canceled subscription: %w", err)
	}
	if outcome == OutcomeUnmatched {
		log.Warn().
			Str("user_id", user.ID).
			Str("subscription_id", snap.ID).
			Msg("user moved to another subscription during cancellation, record left as is")
	}

	log.Info().
		Str("user_id", user.ID).
		Str("subscription_id", snap.ID).
		Str("status", snap.Status.String()).
		Bool("cancel_at_period_end", snap.CancelAtPeriodEnd).
		Msg("subscription cancellation requested")

	return &CancelResult{
		Status:            snap.Status,
		CancelAtPeriodEnd: snap.CancelAtPeriodEnd,
	}, nil
}

// ReconcileUser refreshes one user's record from the live processor snapshot.
func (s *subscriptionServiceImpl) ReconcileUser(ctx context.Context, userID string) (Outcome, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !user.Subscription.HasOpenSubscription() {
		return OutcomeIgnored, nil
	}

	snap, err := s.gateway.RetrieveSubscription(ctx, user.Subscription.ProcessorSubscriptionID)
	if errors.Is(err, client.ErrSubscriptionNotFound) {
		return s.markGone(ctx, user)
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("retrieve subscription: %w", err)
	}

	ch := snapshotChange(s.plans, snap)
	ch.ExpectSubscriptionID = user.Subscription.ProcessorSubscriptionID
	_, outcome, err := applyChange(ctx, s.users, user.ID, ch)
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

// ReconcileAll sweeps every user holding a non-terminal subscription. Failures
// are counted and logged; the sweep carries on with the next user.
func (s *subscriptionServiceImpl) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	users, err := s.users.ListReconcilable(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Checked++
		before := u.Subscription
		if _, err := s.ReconcileUser(ctx, u.ID); err != nil {
			report.Failed++
			log.Error().Err(err).Str("user_id", u.ID).Msg("reconcile user failed")
			continue
		}

		after, err := s.users.Get(ctx, u.ID)
		if err == nil && !sameSubscription(before, after.Subscription) {
			report.Updated++
		}
	}

	log.Info().
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Msg("reconcile sweep finished")

	return report, nil
}
