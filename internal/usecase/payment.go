package usecase

import (
	"context"

	entity "marketpay/internal/entity"

	"github.com/shopspring/decimal"
)

type Payment interface {
	CreatePaymentMethod(ctx context.Context, userID string, details *entity.PaymentMethodDetails) (*entity.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, userID string) ([]*entity.PaymentMethod, error)
	DeactivatePaymentMethod(ctx context.Context, userID, paymentMethodID string) error
	SetDefaultPaymentMethod(ctx context.Context, userID, paymentMethodID string) error

	CreateTransaction(ctx context.Context, draft *entity.TransactionDraft) (*entity.Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (*entity.Transaction, error)
	ProcessPayment(ctx context.Context, transactionID, paymentMethodID string) (*entity.PaymentResult, error)
	ProcessRefund(ctx context.Context, transactionID, reason string) (*entity.RefundResult, error)

	GetSellerBalance(ctx context.Context, sellerID string) (*entity.SellerBalance, error)
	// RequestPayout pays out the whole available balance when amount is nil.
	RequestPayout(ctx context.Context, sellerID string, amount *decimal.Decimal) (*entity.Payout, error)
	ProcessPayout(ctx context.Context, payoutID string) (*entity.PayoutResult, error)
	GetPayout(ctx context.Context, payoutID string) (*entity.Payout, error)
	ListPayouts(ctx context.Context, sellerID string, limit int) ([]*entity.Payout, error)

	GetAvailableProviders() []string
	IsProviderAvailable(name string) bool
	HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) (*entity.WebhookEvent, error)
}
