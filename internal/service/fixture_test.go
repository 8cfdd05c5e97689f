package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/config"
	"subscription-reconciler/internal/model"
	"subscription-reconciler/internal/repository"
)

var t0 = time.Unix(1700000000, 0).UTC()

type fixture struct {
	users  repository.UserRepository
	ledger repository.EventLedger
	gw     *mockGateway
	plans  *catalog.Catalog
	subs   SubscriptionService
	hooks  WebhookService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := client.InitDBClient(config.Database{
		Driver: "sqlite",
		URL:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	plans, err := catalog.New([]catalog.Plan{
		{ID: "plan_basic_monthly", Name: "Basic", BillingPeriod: catalog.BillingMonthly, PriceIDMonthly: "price_basic_m", IsActive: true},
		{ID: "plan_pro_monthly", Name: "Pro", BillingPeriod: catalog.BillingMonthly, PriceIDMonthly: "price_pro_m", PriceIDAnnually: "price_pro_a", IsActive: true},
		{ID: "plan_pro_annually", Name: "Pro (Annual)", BillingPeriod: catalog.BillingAnnually, PriceIDAnnually: "price_pro_a", IsActive: true},
		{ID: "plan_legacy", Name: "Legacy", BillingPeriod: catalog.BillingMonthly, PriceIDMonthly: "price_legacy", IsActive: false},
		{ID: "plan_broken", Name: "Broken", BillingPeriod: catalog.BillingMonthly, IsActive: true},
	})
	require.NoError(t, err)

	gw := &mockGateway{}
	gw.Test(t)
	t.Cleanup(func() { gw.AssertExpectations(t) })

	users := repository.NewUserRepository(db)
	ledger := repository.NewWebhookEventRepository(db)

	return &fixture{
		users:  users,
		ledger: ledger,
		gw:     gw,
		plans:  plans,
		subs:   NewSubscriptionService(users, gw, plans),
		hooks:  NewWebhookService(users, gw, plans, ledger),
	}
}

func (f *fixture) seedUser(t *testing.T, id string, sub model.UserSubscription) {
	t.Helper()
	require.NoError(t, f.users.Create(context.Background(), &model.User{
		ID:           id,
		Email:        id + "@example.com",
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Subscription: sub,
	}))
}

func (f *fixture) user(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := f.users.Get(context.Background(), id)
	require.NoError(t, err)
	return u
}

// deliver runs a signed delivery of event through the webhook service.
func (f *fixture) deliver(t *testing.T, event *model.GatewayEvent) *WebhookResult {
	t.Helper()

	payload := []byte(event.ID + event.Type + event.Created.String())
	f.gw.On("VerifyAndParseWebhook", payload, "t=1,v1=sig").Return(event, nil).Once()

	res, err := f.hooks.HandleWebhook(context.Background(), payload, "t=1,v1=sig")
	require.NoError(t, err)
	return res
}

func newEvent(id, eventType string, created time.Time, object string) *model.GatewayEvent {
	return &model.GatewayEvent{
		ID:      id,
		Type:    eventType,
		Created: created,
		Data:    json.RawMessage(object),
	}
}

func checkoutCompleted(id, userID, subID string, created time.Time) *model.GatewayEvent {
	return newEvent(id, EventCheckoutSessionCompleted, created,
		`{"id":"cs_`+id+`","mode":"subscription","client_reference_id":"`+userID+`","customer":"cus_1","subscription":"`+subID+`","payment_status":"paid"}`)
}

func snapshot(id string, status model.SubscriptionStatus, priceID string) *model.SubscriptionSnapshot {
	return &model.SubscriptionSnapshot{
		ID:                 id,
		CustomerID:         "cus_1",
		Status:             status,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t0.Add(30 * 24 * time.Hour),
		PriceID:            priceID,
	}
}

var anyCtx = mock.Anything

// alwaysClaimLedger lets every delivery through so handler idempotence can be
// checked without deduplication.
type alwaysClaimLedger struct{}

func (alwaysClaimLedger) Claim(context.Context, string, string) (bool, error) { return true, nil }
func (alwaysClaimLedger) Release(context.Context, string) error               { return nil }
func (alwaysClaimLedger) Prune(context.Context, time.Time) (int64, error)     { return 0, nil }

// movingUsers commits a new subscription for the user right after the first
// lookup, the way a concurrent checkout completion would.
type movingUsers struct {
	repository.UserRepository
	once sync.Once
	move func()
}

func (m *movingUsers) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := m.UserRepository.Get(ctx, id)
	m.once.Do(m.move)
	return u, err
}

func (m *movingUsers) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.User, error) {
	u, err := m.UserRepository.FindBySubscriptionID(ctx, subscriptionID)
	m.once.Do(m.move)
	return u, err
}

// moveToNewSubscription rewires the fixture's services through a repository that
// switches userID to an active sub_2 on plan_pro_monthly after the first read.
func (f *fixture) moveToNewSubscription(t *testing.T, userID string) {
	t.Helper()

	moving := &movingUsers{
		UserRepository: f.users,
		move: func() {
			_, err := f.users.UpdateSubscription(context.Background(), userID, func(u *model.User) (bool, error) {
				u.Subscription.ProcessorSubscriptionID = "sub_2"
				u.Subscription.Status = model.StatusActive
				u.Subscription.ActivePlanID = "plan_pro_monthly"
				return true, nil
			})
			require.NoError(t, err)
		},
	}
	f.subs = NewSubscriptionService(moving, f.gw, f.plans)
	f.hooks = NewWebhookService(moving, f.gw, f.plans, f.ledger)
}
