package http

import (
	"io"
	"net/http"
	"strconv"

	entity "marketpay/internal/entity"
	"marketpay/internal/usecase"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	payments usecase.Payment
	logger   *zap.Logger
}

func NewPaymentHandler(payments usecase.Payment, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		logger:   logger,
	}
}

type createPaymentMethodRequest struct {
	UserID     string            `json:"user_id" validate:"required"`
	Type       string            `json:"type" validate:"omitempty,oneof=card wallet"`
	Provider   string            `json:"provider"`
	CardNumber string            `json:"card_number" validate:"required"`
	ExpMonth   int               `json:"exp_month" validate:"omitempty,min=1,max=12"`
	ExpYear    int               `json:"exp_year"`
	CVC        string            `json:"cvc"`
	HolderName string            `json:"holder_name" validate:"max=100"`
	Metadata   map[string]string `json:"metadata"`
}

type createTransactionRequest struct {
	BuyerID      string          `json:"buyer_id" validate:"required"`
	SellerID     string          `json:"seller_id" validate:"required"`
	ListingID    string          `json:"listing_id" validate:"required"`
	ListingTitle string          `json:"listing_title" validate:"max=200"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" validate:"omitempty,len=3"`
}

type processPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
}

type refundRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type payoutRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// bind decodes and validates the body into req, answering 400 itself when
// that fails. ok is false when the response has already been written.
func bind(c echo.Context, req any) (ok bool, err error) {
	if err := c.Bind(req); err != nil {
		return false, badRequest(c, err)
	}
	if err := c.Validate(req); err != nil {
		return false, badRequest(c, err)
	}
	return true, nil
}

func (h *PaymentHandler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("route", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}
	if status == http.StatusInternalServerError {
		return c.JSON(status, errorResponse{Error: "internal server error"})
	}
	return c.JSON(status, errorResponse{Error: err.Error(), Kind: string(entity.KindOf(err))})
}

func (h *PaymentHandler) CreatePaymentMethod(c echo.Context) error {
	var req createPaymentMethodRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	pm, err := h.payments.CreatePaymentMethod(c.Request().Context(), req.UserID, &entity.PaymentMethodDetails{
		Type:       req.Type,
		Provider:   req.Provider,
		CardNumber: req.CardNumber,
		ExpMonth:   req.ExpMonth,
		ExpYear:    req.ExpYear,
		CVC:        req.CVC,
		HolderName: req.HolderName,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, pm)
}

func (h *PaymentHandler) ListPaymentMethods(c echo.Context) error {
	methods, err := h.payments.ListPaymentMethods(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, methods)
}

func (h *PaymentHandler) DeactivatePaymentMethod(c echo.Context) error {
	if err := h.payments.DeactivatePaymentMethod(c.Request().Context(), c.Param("user_id"), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PaymentHandler) SetDefaultPaymentMethod(c echo.Context) error {
	if err := h.payments.SetDefaultPaymentMethod(c.Request().Context(), c.Param("user_id"), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PaymentHandler) CreateTransaction(c echo.Context) error {
	var req createTransactionRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	tx, err := h.payments.CreateTransaction(c.Request().Context(), &entity.TransactionDraft{
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		ListingID:    req.ListingID,
		ListingTitle: req.ListingTitle,
		Amount:       req.Amount,
		Currency:     req.Currency,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, tx)
}

func (h *PaymentHandler) GetTransaction(c echo.Context) error {
	tx, err := h.payments.GetTransaction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *PaymentHandler) ProcessPayment(c echo.Context) error {
	var req processPaymentRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	res, err := h.payments.ProcessPayment(c.Request().Context(), c.Param("id"), req.PaymentMethodID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) ProcessRefund(c echo.Context) error {
	var req refundRequest
	if ok, err := bind(c, &req); !ok {
		return err
	}

	res, err := h.payments.ProcessRefund(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) GetSellerBalance(c echo.Context) error {
	balance, err := h.payments.GetSellerBalance(c.Request().Context(), c.Param("seller_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, balance)
}

func (h *PaymentHandler) ListPayouts(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit parameter", Kind: string(entity.KindValidation)})
		}
		limit = parsed
	}

	payouts, err := h.payments.ListPayouts(c.Request().Context(), c.Param("seller_id"), limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, payouts)
}

func (h *PaymentHandler) RequestPayout(c echo.Context) error {
	var req payoutRequest
	if c.Request().ContentLength != 0 {
		if ok, err := bind(c, &req); !ok {
			return err
		}
	}

	payout, err := h.payments.RequestPayout(c.Request().Context(), c.Param("seller_id"), req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, payout)
}

func (h *PaymentHandler) GetPayout(c echo.Context) error {
	payout, err := h.payments.GetPayout(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, payout)
}

func (h *PaymentHandler) ProcessPayout(c echo.Context) error {
	res, err := h.payments.ProcessPayout(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{
		"providers": h.payments.GetAvailableProviders(),
	})
}

func (h *PaymentHandler) HandleWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unable to read body", Kind: string(entity.KindValidation)})
	}

	event, err := h.payments.HandleWebhook(c.Request().Context(), c.Param("provider"), payload, c.Request().Header.Get("X-Signature"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"received":       event.ID,
		"type":           event.Type,
		"transaction_id": event.TransactionID,
		"applied":        event.Applied,
	})
}
