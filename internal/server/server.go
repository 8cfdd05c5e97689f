package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"subscription-reconciler/internal/auth"
	"subscription-reconciler/internal/handler"
	authmw "subscription-reconciler/internal/middleware"
	"subscription-reconciler/internal/service"
)

type Options struct {
	Tokens              *auth.Tokens
	WebhookMaxBodyBytes int64
}

type Server struct {
	echo                *echo.Echo
	tokens              *auth.Tokens
	subscriptionHandler *handler.SubscriptionHandler
	webhookHandler      *handler.WebhookHandler
}

func NewServer(subscriptionService service.SubscriptionService, webhookService service.WebhookService, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewRequestValidator()
	e.HTTPErrorHandler = handler.ErrorHandler

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				evt = log.Error().Err(v.Error)
			}
			evt.
				Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:                e,
		tokens:              opts.Tokens,
		subscriptionHandler: handler.NewSubscriptionHandler(subscriptionService),
		webhookHandler:      handler.NewWebhookHandler(webhookService, opts.WebhookMaxBodyBytes),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// -------- subscriptions --------
	subs := api.Group("/subscriptions")
	subs.GET("/plans", s.subscriptionHandler.ListPlans)

	requireAuth := authmw.AuthMiddleware(s.tokens)
	subs.POST("/checkout-session", s.subscriptionHandler.CreateCheckoutSession, requireAuth)
	subs.POST("/create-checkout-session", s.subscriptionHandler.CreateCheckoutSession, requireAuth)
	subs.GET("/my-subscription", s.subscriptionHandler.GetMySubscription, requireAuth)
	subs.POST("/cancel", s.subscriptionHandler.CancelSubscription, requireAuth)

	// -------- processor webhooks (signature-verified, no auth) --------
	api.POST("/stripe/webhooks", s.webhookHandler.StripeWebhook)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
