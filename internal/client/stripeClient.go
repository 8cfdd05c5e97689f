package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"subscription-reconciler/internal/config"
	"subscription-reconciler/internal/metrics"
	"subscription-reconciler/internal/model"
)

var (
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrGatewayError         = errors.New("payment gateway rejected the request")
	ErrSignatureInvalid     = errors.New("webhook signature verification failed")
	ErrSubscriptionNotFound = errors.New("subscription not found at payment gateway")
)

// PaymentGateway is the contract the reconciliation engine needs from the processor.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateSubscriptionCheckoutSession(ctx context.Context, customerID, priceID, clientReferenceID string) (*model.CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionSnapshot, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*model.SubscriptionSnapshot, error)
	// VerifyAndParseWebhook must receive the request body exactly as sent.
	VerifyAndParseWebhook(payload []byte, signatureHeader string) (*model.GatewayEvent, error)
}

type CustomerRequest struct {
	UserID string
	Email  string
	Name   string
}

type stripeGatewayImpl struct {
	api           *stripeclient.API
	configured    bool
	webhookSecret string
	successURL    string
	cancelURL     string
	timeout       time.Duration
}

func NewStripeGateway(cfg *config.Stripe) PaymentGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     zerologLeveledLogger{},
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.APIURL, "/"))
		backendCfg.MaxNetworkRetries = stripe.Int64(0)
	}

	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &stripeGatewayImpl{
		api:           api,
		configured:    strings.TrimSpace(cfg.SecretKey) != "",
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		timeout:       timeout,
	}
}

func (g *stripeGatewayImpl) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	if !g.configured {
		return "", fmt.Errorf("create customer: %w: secret key not configured", ErrGatewayUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	if req.UserID != "" {
		params.AddMetadata("app_user_id", req.UserID)
		// a retried first checkout must not create a second customer
		params.SetIdempotencyKey("customer-" + req.UserID)
	}

	cus, err := g.api.Customers.New(params)
	if err != nil {
		return "", g.fail("create_customer", err)
	}
	g.ok("create_customer")

	return cus.ID, nil
}

func (g *stripeGatewayImpl) CreateSubscriptionCheckoutSession(ctx context.Context, customerID, priceID, clientReferenceID string) (*model.CheckoutSession, error) {
	if !g.configured {
		return nil, fmt.Errorf("create checkout session: %w: secret key not configured", ErrGatewayUnavailable)
	}
	if g.successURL == "" || g.cancelURL == "" {
		return nil, fmt.Errorf("create checkout session: %w: success/cancel redirect urls not configured", ErrGatewayUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(clientReferenceID),
	}
	params.Context = ctx

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, g.fail("create_checkout_session", err)
	}
	g.ok("create_checkout_session")

	return &model.CheckoutSession{
		SessionID:   sess.ID,
		RedirectURL: sess.URL,
	}, nil
}

func (g *stripeGatewayImpl) RetrieveSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionSnapshot, error) {
	if !g.configured {
		return nil, fmt.Errorf("retrieve subscription: %w: secret key not configured", ErrGatewayUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := g.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, g.fail("retrieve_subscription", err)
	}
	g.ok("retrieve_subscription")

	return toSnapshot(sub), nil
}

func (g *stripeGatewayImpl) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*model.SubscriptionSnapshot, error) {
	if !g.configured {
		return nil, fmt.Errorf("cancel subscription: %w: secret key not configured", ErrGatewayUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		sub *stripe.Subscription
		err error
	)
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		sub, err = g.api.Subscriptions.Update(subscriptionID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err = g.api.Subscriptions.Cancel(subscriptionID, params)
	}
	if err != nil {
		return nil, g.fail("cancel_subscription", err)
	}
	g.ok("cancel_subscription")

	return toSnapshot(sub), nil
}

func (g *stripeGatewayImpl) VerifyAndParseWebhook(payload []byte, signatureHeader string) (*model.GatewayEvent, error) {
	if strings.TrimSpace(g.webhookSecret) == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := &model.GatewayEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Data = event.Data.Raw
	}
	return out, nil
}

func (g *stripeGatewayImpl) ok(op string) {
	metrics.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()
}

// fail classifies a processor error. Rate limits, 5xx and transport failures
// (including timeouts) are unavailability; other API errors are rejections.
func (g *stripeGatewayImpl) fail(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case serr.Code == stripe.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound:
			metrics.GatewayCallsTotal.WithLabelValues(op, "not_found").Inc()
			return fmt.Errorf("%s: %w: %w", op, ErrSubscriptionNotFound, err)
		case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError:
			metrics.GatewayCallsTotal.WithLabelValues(op, "unavailable").Inc()
			return fmt.Errorf("%s: %w: %w", op, ErrGatewayUnavailable, err)
		default:
			metrics.GatewayCallsTotal.WithLabelValues(op, "rejected").Inc()
			return fmt.Errorf("%s: %w: %w", op, ErrGatewayError, err)
		}
	}

	metrics.GatewayCallsTotal.WithLabelValues(op, "unavailable").Inc()
	return fmt.Errorf("%s: %w: %w", op, ErrGatewayUnavailable, err)
}

func toSnapshot(sub *stripe.Subscription) *model.SubscriptionSnapshot {
	snap := &model.SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            model.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if snap.PriceID == "" && item.Price != nil {
				snap.PriceID = item.Price.ID
			}
			if item.CurrentPeriodStart > 0 && snap.CurrentPeriodStart.IsZero() {
				snap.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
				snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
		}
	}
	return snap
}

// zerologLeveledLogger routes stripe-go's internal logging into the service logger.
type zerologLeveledLogger struct{}

func (zerologLeveledLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (zerologLeveledLogger) Infof(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (zerologLeveledLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}

func (zerologLeveledLogger) Errorf(format string, v ...interface{}) {
	log.Error().Str("component", "stripe").Msgf(format, v...)
}
