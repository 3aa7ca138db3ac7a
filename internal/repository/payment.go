package repository

import (
	"context"
	"time"

	entity "marketpay/internal/entity"

	"github.com/shopspring/decimal"
)

// PaymentMethodRepository stores tokenized funding instruments. Lookups
// return an entity.KindNotFound error when the row does not exist.
type PaymentMethodRepository interface {
	Create(ctx context.Context, pm *entity.PaymentMethod) error
	GetByID(ctx context.Context, id string) (*entity.PaymentMethod, error)
	// GetForUser only returns methods owned by userID.
	GetForUser(ctx context.Context, id, userID string) (*entity.PaymentMethod, error)
	ListByUser(ctx context.Context, userID string) ([]*entity.PaymentMethod, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	Deactivate(ctx context.Context, id, userID string) error
	SetDefault(ctx context.Context, id, userID string) error
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *entity.Transaction) error
	GetByID(ctx context.Context, id string) (*entity.Transaction, error)
	// MarkProcessing moves payment_status to processing only when it is
	// currently one of entity.Chargeable. It returns false when another
	// caller won the transition.
	MarkProcessing(ctx context.Context, id, paymentMethodID, provider string) (bool, error)
	MarkPaid(ctx context.Context, id, paymentID string) error
	MarkPaymentFailed(ctx context.Context, id, reason string) error
	// MarkRefunding claims a paid sale for a refund. Only one caller gets
	// true; ReleaseRefund hands the claim back after a failed refund.
	MarkRefunding(ctx context.Context, id string) (bool, error)
	ReleaseRefund(ctx context.Context, id string) error
	MarkRefunded(ctx context.Context, id, refundID, reason string) error
}

type PayoutRepository interface {
	Create(ctx context.Context, p *entity.Payout) error
	GetByID(ctx context.Context, id string) (*entity.Payout, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*entity.Payout, error)
	// ListDue returns ids of pending payouts scheduled at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	// MarkProcessing moves a pending payout to processing and returns false
	// when the payout was no longer pending.
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, providerPayoutID string) error
	MarkFailed(ctx context.Context, id, reason string, retryable bool) error
}

// BalanceRepository answers seller earnings questions for payout requests.
type BalanceRepository interface {
	GetSellerBalance(ctx context.Context, sellerID string) (*entity.SellerBalance, error)
	CanRequestPayout(ctx context.Context, sellerID string, available decimal.Decimal) (*entity.PayoutEligibility, error)
}
