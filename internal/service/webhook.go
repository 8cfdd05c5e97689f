package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/metrics"
	"subscription-reconciler/internal/model"
	"subscription-reconciler/internal/repository"
)

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

type WebhookService interface {
	// HandleWebhook verifies and applies one delivery. Once the signature checks
	// out it never returns an error: processing failures are logged and reported
	// in the result so the processor's delivery queue is never blocked.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)
	PruneProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   Outcome
	Err       error
}

type eventHandler func(ctx context.Context, event *model.GatewayEvent) (Outcome, error)

type webhookServiceImpl struct {
	users   repository.UserRepository
	gateway client.PaymentGateway
	plans   *catalog.Catalog
	ledger  repository.EventLedger

	handlers map[string]eventHandler
}

func NewWebhookService(
	users repository.UserRepository,
	gateway client.PaymentGateway,
	plans *catalog.Catalog,
	ledger repository.EventLedger,
) WebhookService {
	s := &webhookServiceImpl{
		users:   users,
		gateway: gateway,
		plans:   plans,
		ledger:  ledger,
	}
	s.handlers = map[string]eventHandler{
		EventCheckoutSessionCompleted: s.handleCheckoutCompleted,
		EventInvoicePaymentSucceeded:  s.handleInvoicePaid,
		EventInvoicePaymentFailed:     s.handleInvoiceFailed,
		EventSubscriptionUpdated:      s.handleSubscriptionUpdated,
		EventSubscriptionDeleted:      s.handleSubscriptionDeleted,
	}
	return s
}

func (s *webhookServiceImpl) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	event, err := s.gateway.VerifyAndParseWebhook(payload, signature)
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}

	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	logger := log.With().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Logger()

	handle, known := s.handlers[event.Type]
	if !known {
		logger.Debug().Msg("ignoring unhandled webhook event type")
		result.Outcome = OutcomeIgnored
		s.record(result)
		return result, nil
	}

	claimed, err := s.ledger.Claim(ctx, event.ID, event.Type)
	if err != nil {
		// handlers converge on the same end state, so a ledger outage only costs duplicate work
		logger.Warn().Err(err).Msg("event ledger unavailable, processing without deduplication")
		claimed = true
	}
	if !claimed {
		logger.Info().Msg("duplicate webhook event, already processed")
		result.Outcome = OutcomeDuplicate
		s.record(result)
		return result, nil
	}

	outcome, err := handle(logger.WithContext(ctx), event)
	result.Outcome = outcome
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err

		if rerr := s.ledger.Release(ctx, event.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to release event claim")
		}
		metrics.PendingReconciliationTotal.WithLabelValues(event.Type).Inc()
		logger.Error().
			Err(err).
			Bool("needs_reconciliation", true).
			Msg("webhook event processing failed")
	}

	s.record(result)
	return result, nil
}

func (s *webhookServiceImpl) record(r *WebhookResult) {
	metrics.WebhookOutcomes.WithLabelValues(r.EventType, string(r.Outcome)).Inc()
}

func (s *webhookServiceImpl) PruneProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.ledger.Prune(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	log.Info().Int64("pruned", n).Dur("older_than", olderThan).Msg("pruned processed webhook events")
	return n, nil
}

func decodeObject(event *model.GatewayEvent, into interface{}) error {
	if len(event.Data) == 0 {
		return fmt.Errorf("decode %s payload: missing data.object", event.Type)
	}
	if err := json.Unmarshal(event.Data, into); err != nil {
		return fmt.Errorf("decode %s object: %w", event.Type, err)
	}
	return nil
}

func (s *webhookServiceImpl) handleCheckoutCompleted(ctx context.Context, event *model.GatewayEvent) (Outcome, error) {
	logger := zerolog.Ctx(ctx)

	var session model.CheckoutSessionObject
	if err := decodeObject(event, &session); err != nil {
		return OutcomeFailed, err
	}

	if !session.Paid() || session.Subscription == "" || session.ClientReferenceID == "" {
		logger.Info().
			Str("session_id", session.ID).
			Str("payment_status", session.PaymentStatus).
			Msg("checkout completed without a paid subscription, nothing to apply")
		return OutcomeIgnored, nil
	}

	user, err := s.users.Get(ctx, session.ClientReferenceID)
	if err != nil {
		if isNotFound(err) {
			logger.Warn().Str("user_id", session.ClientReferenceID).Msg("checkout references unknown user")
			return OutcomeUnmatched, nil
		}
		return OutcomeFailed, err
	}

	snap, err := s.gateway.RetrieveSubscription(ctx, session.Subscription)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("fetch subscription %s: %w", session.Subscription, err)
	}

	ch := subscriptionChange{
		SubscriptionID: session.Subscription,
		CustomerID:     session.Customer,
		Status:         snap.Status,
		PlanID:         clearPlan(),
		EventTime:      event.Created,
	}
	if ch.CustomerID == "" {
		ch.CustomerID = snap.CustomerID
	}
	if id, ok := resolvePlan(s.plans, snap.PriceID); ok {
		ch.PlanID = planID(id)
	} else {
		logger.Warn().Str("price_id", snap.PriceID).Msg("subscribed price not in plan catalog")
	}

	return s.apply(ctx, user.ID, ch)
}

func (s *webhookServiceImpl) handleInvoicePaid(ctx context.Context, event *model.GatewayEvent) (Outcome, error) {
	var invoice model.InvoiceObject
	if err := decodeObject(event, &invoice); err != nil {
		return OutcomeFailed, err
	}

	user, outcome, err := s.userForSubscription(ctx, invoice.SubscriptionID())
	if user == nil {
		return outcome, err
	}

	return s.apply(ctx, user.ID, subscriptionChange{
		ExpectSubscriptionID: invoice.SubscriptionID(),
		Status:               model.StatusActive,
		EventTime:            event.Created,
	})
}

func (s *webhookServiceImpl) handleInvoiceFailed(ctx context.Context, event *model.GatewayEvent) (Outcome, error) {
	var invoice model.InvoiceObject
	if err := decodeObject(event, &invoice); err != nil {
		return OutcomeFailed, err
	}

	subID := invoice.SubscriptionID()
	user, outcome, err := s.userForSubscription(ctx, subID)
	if user == nil {
		return outcome, err
	}

	// the event does not carry the resulting status; the processor is authoritative
	snap, err := s.gateway.RetrieveSubscription(ctx, subID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("fetch subscription %s: %w", subID, err)
	}

	return s.apply(ctx, user.ID, subscriptionChange{
		ExpectSubscriptionID: subID,
		Status:               snap.Status,
		EventTime:            event.Created,
	})
}

func (s *webhookServiceImpl) handleSubscriptionUpdated(ctx context.Context, event *model.GatewayEvent) (Outcome, error) {
	var sub model.SubscriptionObject
	if err := decodeObject(event, &sub); err != nil {
		return OutcomeFailed, err
	}

	user, outcome, err := s.userForSubscription(ctx, sub.ID)
	if user == nil {
		return outcome, err
	}

	status := model.SubscriptionStatus(sub.Status)
	ch := subscriptionChange{
		ExpectSubscriptionID: sub.ID,
		Status:               status,
		EventTime:            event.Created,
	}
	switch {
	case status == model.StatusCanceled:
		ch.PlanID = clearPlan()
	default:
		priceID := sub.FirstPriceID()
		if id, ok := resolvePlan(s.plans, priceID); ok {
			if id != user.Subscription.ActivePlanID {
				zerolog.Ctx(ctx).Info().
					Str("user_id", user.ID).
					Str("from_plan", user.Subscription.ActivePlanID).
					Str("to_plan", id).
					Msg("subscription plan changed")
			}
			ch.PlanID = planID(id)
		} else if priceID != "" {
			zerolog.Ctx(ctx).Warn().Str("price_id", priceID).Msg("updated price not in plan catalog, keeping plan")
		}
	}

	return s.apply(ctx, user.ID, ch)
}

func (s *webhookServiceImpl) handleSubscriptionDeleted(ctx context.Context, event *model.GatewayEvent) (Outcome, error) {
	var sub model.SubscriptionObject
	if err := decodeObject(event, &sub); err != nil {
		return OutcomeFailed, err
	}

	user, outcome, err := s.userForSubscription(ctx, sub.ID)
	if user == nil {
		return outcome, err
	}

	return s.apply(ctx, user.ID, subscriptionChange{
		ExpectSubscriptionID: sub.ID,
		Status:               model.StatusCanceled,
		PlanID:               clearPlan(),
		EventTime:            event.Created,
	})
}

// userForSubscription returns nil with OutcomeIgnored or OutcomeUnmatched when
// there is no local user to update.
func (s *webhookServiceImpl) userForSubscription(ctx context.Context, subscriptionID string) (*model.User, Outcome, error) {
	logger := zerolog.Ctx(ctx)

	if subscriptionID == "" {
		logger.Info().Msg("event carries no subscription id, nothing to apply")
		return nil, OutcomeIgnored, nil
	}

	user, err := s.users.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	if user == nil {
		logger.Warn().Str("subscription_id", subscriptionID).Msg("no user holds this subscription")
		return nil, OutcomeUnmatched, nil
	}
	return user, OutcomeApplied, nil
}

func (s *webhookServiceImpl) apply(ctx context.Context, userID string, ch subscriptionChange) (Outcome, error) {
	u, outcome, err := applyChange(ctx, s.users, userID, ch)
	if err != nil {
		return OutcomeFailed, err
	}

	logger := zerolog.Ctx(ctx)
	switch outcome {
	case OutcomeStale:
		logger.Info().
			Str("user_id", userID).
			Str("status", u.Subscription.Status.String()).
			Time("event_created", ch.EventTime).
			Msg("event older than last applied event or for a canceled subscription, skipped")
		return outcome, nil
	case OutcomeUnmatched:
		logger.Warn().
			Str("user_id", userID).
			Str("subscription_id", ch.ExpectSubscriptionID).
			Str("current_subscription_id", u.Subscription.ProcessorSubscriptionID).
			Msg("user moved to another subscription before the event was applied")
		return outcome, nil
	}

	logger.Info().
		Str("user_id", u.ID).
		Str("subscription_id", u.Subscription.ProcessorSubscriptionID).
		Str("status", u.Subscription.Status.String()).
		Str("plan_id", u.Subscription.ActivePlanID).
		Msg("webhook event applied")
	return outcome, nil
}
