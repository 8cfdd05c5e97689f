package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

// PlaceholderPricePrefix marks price ids that were never replaced with real processor ids.
const PlaceholderPricePrefix = "price_xxxxxxxxxxxxxx"

var (
	ErrDuplicatePlan       = errors.New("duplicate plan id")
	ErrInvalidBillingCycle = errors.New("invalid billing period")
	ErrEmptyPlanID         = errors.New("plan id is required")
)

type BillingPeriod string

const (
	BillingMonthly  BillingPeriod = "monthly"
	BillingAnnually BillingPeriod = "annually"
)

type Plan struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	BillingPeriod   BillingPeriod `yaml:"billing_period"`
	AmountCents     int64         `yaml:"amount_cents"`
	Currency        string        `yaml:"currency"`
	PriceIDMonthly  string        `yaml:"price_id_monthly"`
	PriceIDAnnually string        `yaml:"price_id_annually"`
	Features        []string      `yaml:"features"`
	IsActive        bool          `yaml:"is_active"`
}

// PriceID returns the processor price for the plan's billing period, falling back
// to the other period's price when that is the only one mapped. Empty means misconfigured.
func (p Plan) PriceID() string {
	switch p.BillingPeriod {
	case BillingMonthly:
		if p.PriceIDMonthly != "" {
			return p.PriceIDMonthly
		}
	case BillingAnnually:
		if p.PriceIDAnnually != "" {
			return p.PriceIDAnnually
		}
	}
	if p.PriceIDMonthly != "" {
		return p.PriceIDMonthly
	}
	return p.PriceIDAnnually
}

func (p Plan) HasPriceID(priceID string) bool {
	if priceID == "" {
		return false
	}
	return p.PriceIDMonthly == priceID || p.PriceIDAnnually == priceID
}

// DisplayPrice formats the amount in major currency units, e.g. 2500 -> "25.00".
func (p Plan) DisplayPrice() string {
	return decimal.New(p.AmountCents, -2).StringFixed(2)
}

// Catalog is an immutable, ordered plan registry.
type Catalog struct {
	plans []Plan
	byID  map[string]int
}

type document struct {
	Plans []Plan `yaml:"plans"`
}

func New(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans: make([]Plan, 0, len(plans)),
		byID:  make(map[string]int, len(plans)),
	}
	for _, p := range plans {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, ErrEmptyPlanID
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlan, p.ID)
		}
		switch p.BillingPeriod {
		case BillingMonthly, BillingAnnually:
		default:
			return nil, fmt.Errorf("%w %q for plan %s", ErrInvalidBillingCycle, p.BillingPeriod, p.ID)
		}
		p.Features = append([]string(nil), p.Features...)
		c.byID[p.ID] = len(c.plans)
		c.plans = append(c.plans, p)
	}
	return c, nil
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	return New(doc.Plans)
}

// Load reads the catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(data)
}

func Default() (*Catalog, error) {
	return Parse(defaultPlans)
}

func (c *Catalog) Get(id string) (Plan, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Plan{}, false
	}
	return c.clone(i), true
}

// FindByPriceID returns the first plan, in catalog order, mapped to priceID.
// Several plans may share a price, so callers must tolerate an approximate match.
func (c *Catalog) FindByPriceID(priceID string) (Plan, bool) {
	for i, p := range c.plans {
		if p.HasPriceID(priceID) {
			return c.clone(i), true
		}
	}
	return Plan{}, false
}

func (c *Catalog) Active() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for i, p := range c.plans {
		if p.IsActive {
			out = append(out, c.clone(i))
		}
	}
	return out
}

func (c *Catalog) clone(i int) Plan {
	p := c.plans[i]
	p.Features = append([]string(nil), p.Features...)
	return p
}
