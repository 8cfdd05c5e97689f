package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"subscription-reconciler/internal/dto"
	"subscription-reconciler/internal/metrics"
	"subscription-reconciler/internal/service"
)

const stripeSignatureHeader = "Stripe-Signature"

type WebhookHandler struct {
	webhookService service.WebhookService
	maxBodyBytes   int64
}

func NewWebhookHandler(webhookService service.WebhookService, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandler{
		webhookService: webhookService,
		maxBodyBytes:   maxBodyBytes,
	}
}

// StripeWebhook reads the body untouched; signature verification needs the exact bytes.
func (h *WebhookHandler) StripeWebhook(c echo.Context) error {
	start := time.Now()
	req := c.Request()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.observe("unknown", http.StatusRequestEntityTooLarge, start)
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "webhook payload too large")
		}
		h.observe("unknown", http.StatusBadRequest, start)
		return echo.NewHTTPError(http.StatusBadRequest, "could not read webhook body")
	}

	result, err := h.webhookService.HandleWebhook(req.Context(), body, req.Header.Get(stripeSignatureHeader))
	if err != nil {
		h.observe("unknown", http.StatusBadRequest, start)
		log.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("rejected webhook delivery")
		return err
	}

	h.observe(result.EventType, http.StatusOK, start)
	return c.JSON(http.StatusOK, dto.WebhookAck{Received: true})
}

func (h *WebhookHandler) observe(eventType string, status int, start time.Time) {
	metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
}
