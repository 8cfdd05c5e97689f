package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/dto"
	"subscription-reconciler/internal/service"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings is checked in order; an empty message means the sentinel's own text.
var errorMappings = []errorMapping{
	{target: service.ErrPlanIDRequired, status: http.StatusBadRequest, code: "plan_id_required"},
	{target: service.ErrNoActiveSubscription, status: http.StatusBadRequest, code: "no_active_subscription"},
	{target: service.ErrEmptyPayload, status: http.StatusBadRequest, code: "empty_payload"},
	{target: client.ErrSignatureInvalid, status: http.StatusBadRequest, code: "signature_invalid", message: "webhook signature verification failed"},
	{target: service.ErrForbidden, status: http.StatusForbidden, code: "forbidden"},
	{target: service.ErrPlanNotFound, status: http.StatusNotFound, code: "plan_not_found"},
	{target: service.ErrUserNotFound, status: http.StatusNotFound, code: "user_not_found"},
	{target: client.ErrSubscriptionNotFound, status: http.StatusNotFound, code: "subscription_not_found"},
	{target: service.ErrPlanMisconfigured, status: http.StatusInternalServerError, code: "plan_misconfigured", message: "configuration error: processor price missing for this plan"},
	{target: client.ErrGatewayUnavailable, status: http.StatusInternalServerError, code: "gateway_unavailable", message: "payment processor unavailable"},
	{target: client.ErrGatewayError, status: http.StatusInternalServerError, code: "gateway_error", message: "payment processor rejected the request"},
}

// ErrorHandler is installed as echo's HTTPErrorHandler.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := classify(err)
	logger := log.With().
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Int("status", status).
		Logger()
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Debug().Err(err).Msg("request rejected")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to write error response")
	}
}

func classify(err error) (int, dto.ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, dto.ErrorResponse{
			Message: fmt.Sprint(he.Message),
			Code:    codeForStatus(he.Code),
		}
	}

	if errors.Is(err, ErrValidation) {
		return http.StatusBadRequest, dto.ErrorResponse{
			Message: strings.TrimPrefix(err.Error(), ErrValidation.Error()+": "),
			Code:    "validation_error",
		}
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			msg := m.message
			if msg == "" {
				msg = m.target.Error()
			}
			return m.status, dto.ErrorResponse{Message: msg, Code: m.code}
		}
	}

	return http.StatusInternalServerError, dto.ErrorResponse{
		Message: "internal server error",
		Code:    "internal_error",
	}
}

func codeForStatus(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
