package http

import (
	"context"
	"fmt"
	"net/http"

	"marketpay/internal/config"
	"marketpay/internal/notify"
	"marketpay/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo    *echo.Echo
	server  *http.Server
	logger  *zap.Logger
	address string
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func NewServer(cfg *config.Config, payments usecase.Payment, hub *notify.Hub, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig(logger)))

	registerRoutes(e, NewPaymentHandler(payments, logger), hub)

	address := fmt.Sprintf(":%d", cfg.HTTP.Port)
	return &Server{
		echo: e,
		server: &http.Server{
			Addr:         address,
			Handler:      e,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		logger:  logger,
		address: address,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.address))
	if err := s.echo.StartServer(s.server); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func registerRoutes(e *echo.Echo, h *PaymentHandler, hub *notify.Hub) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "payment",
		})
	})
	if hub != nil {
		e.GET("/ws", echo.WrapHandler(http.HandlerFunc(hub.ServeWS)))
	}

	v1 := e.Group("/api/v1")

	v1.POST("/payment-methods", h.CreatePaymentMethod)
	v1.GET("/users/:user_id/payment-methods", h.ListPaymentMethods)
	v1.DELETE("/users/:user_id/payment-methods/:id", h.DeactivatePaymentMethod)
	v1.PUT("/users/:user_id/payment-methods/:id/default", h.SetDefaultPaymentMethod)

	v1.POST("/transactions", h.CreateTransaction)
	v1.GET("/transactions/:id", h.GetTransaction)
	v1.POST("/transactions/:id/pay", h.ProcessPayment)
	v1.POST("/transactions/:id/refund", h.ProcessRefund)

	v1.GET("/sellers/:seller_id/balance", h.GetSellerBalance)
	v1.GET("/sellers/:seller_id/payouts", h.ListPayouts)
	v1.POST("/sellers/:seller_id/payouts", h.RequestPayout)
	v1.GET("/payouts/:id", h.GetPayout)
	v1.POST("/payouts/:id/process", h.ProcessPayout)

	v1.GET("/providers", h.ListProviders)
	v1.POST("/webhooks/:provider", h.HandleWebhook)
}

func requestLoggerConfig(logger *zap.Logger) middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		},
		LogLatency:   true,
		LogRemoteIP:  true,
		LogMethod:    true,
		LogURI:       true,
		LogRoutePath: true,
		LogRequestID: true,
		LogStatus:    true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request.remote_ip", v.RemoteIP),
				zap.String("request.method", v.Method),
				zap.String("request.uri", v.URI),
				zap.String("request.route", v.RoutePath),
				zap.String("request.request_id", v.RequestID),
				zap.Int("response.status", v.Status),
				zap.Duration("response.latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				logger.Error("Request failed", fields...)
				return nil
			}
			if v.Status >= http.StatusInternalServerError {
				logger.Error("Request log", fields...)
				return nil
			}
			logger.Info("Request log", fields...)
			return nil
		},
	}
}

