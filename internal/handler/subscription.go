package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"subscription-reconciler/internal/dto"
	"subscription-reconciler/internal/middleware"
	"subscription-reconciler/internal/service"
)

type SubscriptionHandler struct {
	subscriptionService service.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptionService: subscriptionService,
	}
}

func (h *SubscriptionHandler) ListPlans(c echo.Context) error {
	plans := h.subscriptionService.ListPlans(c.Request().Context())

	resp := make([]dto.PlanResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, dto.NewPlanResponse(p))
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *SubscriptionHandler) CreateCheckoutSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	session, err := h.subscriptionService.StartCheckout(ctx, middleware.UserID(c), req.PlanID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto.CheckoutResponse{
		SessionID:   session.SessionID,
		CheckoutURL: session.RedirectURL,
	})
}

func (h *SubscriptionHandler) GetMySubscription(c echo.Context) error {
	ctx := c.Request().Context()

	view, err := h.subscriptionService.GetSubscription(ctx, middleware.UserID(c))
	if err != nil {
		return err
	}
	if view == nil {
		return c.JSON(http.StatusOK, dto.NoSubscriptionResponse{
			Message: "No active subscription found.",
		})
	}

	return c.JSON(http.StatusOK, dto.NewSubscriptionResponse(view))
}

func (h *SubscriptionHandler) CancelSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.subscriptionService.Cancel(ctx, middleware.UserID(c), req.AtEnd())
	if err != nil {
		return err
	}

	msg := "Subscription will be canceled at the end of the current period."
	if !result.CancelAtPeriodEnd {
		msg = "Subscription canceled."
	}
	return c.JSON(http.StatusOK, dto.CancelResponse{
		Message:           msg,
		Status:            result.Status.String(),
		CancelAtPeriodEnd: result.CancelAtPeriodEnd,
	})
}
