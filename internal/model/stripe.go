package model

import (
	"encoding/json"
	"strings"
	"time"
)

// GatewayEvent is a verified webhook event. Data holds the raw "data.object" payload,
// decoded by the handler for the event type.
type GatewayEvent struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage
}

type CheckoutSessionObject struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	PaymentStatus     string `json:"payment_status"`
}

func (s CheckoutSessionObject) Paid() bool {
	return s.PaymentStatus == "paid"
}

type InvoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Status        string `json:"status"`
	BillingReason string `json:"billing_reason"`
	// Subscription is populated by older API versions only.
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoice's subscription regardless of API version.
func (i InvoiceObject) SubscriptionID() string {
	if id := strings.TrimSpace(i.Subscription); id != "" {
		return id
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

type SubscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// FirstPriceID returns the price of the first subscription item that has one.
func (s SubscriptionObject) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}
