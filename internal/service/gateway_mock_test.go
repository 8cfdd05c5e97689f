package service

import (
	"context"

	"github.com/stretchr/testify/mock"

	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/model"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCustomer(ctx context.Context, req client.CustomerRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateSubscriptionCheckoutSession(ctx context.Context, customerID, priceID, clientReferenceID string) (*model.CheckoutSession, error) {
	args := m.Called(ctx, customerID, priceID, clientReferenceID)
	if s, ok := args.Get(0).(*model.CheckoutSession); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionSnapshot, error) {
	args := m.Called(ctx, subscriptionID)
	if s, ok := args.Get(0).(*model.SubscriptionSnapshot); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*model.SubscriptionSnapshot, error) {
	args := m.Called(ctx, subscriptionID, atPeriodEnd)
	if s, ok := args.Get(0).(*model.SubscriptionSnapshot); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) VerifyAndParseWebhook(payload []byte, signatureHeader string) (*model.GatewayEvent, error) {
	args := m.Called(payload, signatureHeader)
	if e, ok := args.Get(0).(*model.GatewayEvent); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}
