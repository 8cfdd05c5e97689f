package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	active := c.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "plan_basic_monthly", active[0].ID)

	pro, ok := c.Get("plan_pro_monthly")
	require.True(t, ok)
	assert.Equal(t, BillingMonthly, pro.BillingPeriod)
	assert.Equal(t, "25.00", pro.DisplayPrice())
	assert.Len(t, pro.Features, 5)
}

func TestFindByPriceIDReturnsFirstMatch(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	// pro monthly and pro annually share the annual price; catalog order wins.
	p, ok := c.FindByPriceID("price_xxxxxxxxxxxxxx_pro_annually")
	require.True(t, ok)
	assert.Equal(t, "plan_pro_monthly", p.ID)

	_, ok = c.FindByPriceID("price_unknown")
	assert.False(t, ok)

	_, ok = c.FindByPriceID("")
	assert.False(t, ok)
}

func TestPriceIDSelection(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want string
	}{
		{
			name: "monthly picks monthly",
			plan: Plan{BillingPeriod: BillingMonthly, PriceIDMonthly: "m", PriceIDAnnually: "a"},
			want: "m",
		},
		{
			name: "annually picks annual",
			plan: Plan{BillingPeriod: BillingAnnually, PriceIDMonthly: "m", PriceIDAnnually: "a"},
			want: "a",
		},
		{
			name: "monthly falls back to annual",
			plan: Plan{BillingPeriod: BillingMonthly, PriceIDAnnually: "a"},
			want: "a",
		},
		{
			name: "nothing mapped",
			plan: Plan{BillingPeriod: BillingAnnually},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.plan.PriceID())
		})
	}
}

func TestNewRejectsBadCatalogs(t *testing.T) {
	_, err := New([]Plan{{ID: "a", BillingPeriod: BillingMonthly}, {ID: "a", BillingPeriod: BillingMonthly}})
	assert.ErrorIs(t, err, ErrDuplicatePlan)

	_, err = New([]Plan{{ID: "a", BillingPeriod: "weekly"}})
	assert.ErrorIs(t, err, ErrInvalidBillingCycle)

	_, err = New([]Plan{{ID: " ", BillingPeriod: BillingMonthly}})
	assert.ErrorIs(t, err, ErrEmptyPlanID)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	data := []byte(`
plans:
  - id: plan_team
    name: Team
    billing_period: annually
    amount_cents: 9900
    currency: eur
    price_id_annually: price_team_a
    is_active: true
  - id: plan_legacy
    name: Legacy
    billing_period: monthly
    price_id_monthly: price_legacy
    is_active: false
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	active := c.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "plan_team", active[0].ID)
	assert.Equal(t, "99.00", active[0].DisplayPrice())

	legacy, ok := c.Get("plan_legacy")
	require.True(t, ok)
	assert.False(t, legacy.IsActive)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLookupsReturnCopies(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	p, _ := c.Get("plan_pro_monthly")
	p.Features[0] = "mutated"

	again, _ := c.Get("plan_pro_monthly")
	assert.Equal(t, "Up to 20 Landing Pages", again.Features[0])
}
