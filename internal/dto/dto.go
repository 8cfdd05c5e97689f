package dto

import (
	"time"

	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/service"
)

type PlanResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	BillingPeriod string   `json:"billingPeriod"`
	Price         string   `json:"price"`
	AmountCents   int64    `json:"amountCents"`
	Currency      string   `json:"currency"`
	Features      []string `json:"features"`
	IsActive      bool     `json:"isActive"`
}

func NewPlanResponse(p catalog.Plan) PlanResponse {
	features := p.Features
	if features == nil {
		features = []string{}
	}
	return PlanResponse{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		BillingPeriod: string(p.BillingPeriod),
		Price:         p.DisplayPrice(),
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Features:      features,
		IsActive:      p.IsActive,
	}
}

type CheckoutRequest struct {
	PlanID string `json:"planId" validate:"required"`
}

type CheckoutResponse struct {
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
}

type PlanSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BillingPeriod string `json:"billingPeriod"`
}

type SubscriptionResponse struct {
	ProcessorSubscriptionID string       `json:"processorSubscriptionId"`
	Status                  string       `json:"status"`
	CurrentPeriodStart      *time.Time   `json:"currentPeriodStart"`
	CurrentPeriodEnd        *time.Time   `json:"currentPeriodEnd"`
	CancelAtPeriodEnd       bool         `json:"cancelAtPeriodEnd"`
	Plan                    *PlanSummary `json:"plan"`
}

func NewSubscriptionResponse(v *service.SubscriptionView) SubscriptionResponse {
	resp := SubscriptionResponse{
		ProcessorSubscriptionID: v.ProcessorSubscriptionID,
		Status:                  v.Status.String(),
		CancelAtPeriodEnd:       v.CancelAtPeriodEnd,
	}
	if !v.CurrentPeriodStart.IsZero() {
		start := v.CurrentPeriodStart
		resp.CurrentPeriodStart = &start
	}
	if !v.CurrentPeriodEnd.IsZero() {
		end := v.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	if v.Plan != nil {
		resp.Plan = &PlanSummary{
			ID:            v.Plan.ID,
			Name:          v.Plan.Name,
			BillingPeriod: string(v.Plan.BillingPeriod),
		}
	}
	return resp
}

type NoSubscriptionResponse struct {
	Message      string `json:"message"`
	Subscription any    `json:"subscription"`
}

// CancelRequest is optional; an absent atPeriodEnd means cancel at period end.
type CancelRequest struct {
	AtPeriodEnd *bool `json:"atPeriodEnd"`
}

func (r CancelRequest) AtEnd() bool {
	return r.AtPeriodEnd == nil || *r.AtPeriodEnd
}

type CancelResponse struct {
	Message           string `json:"message"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
