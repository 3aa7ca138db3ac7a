package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionPaid      TransactionStatus = "paid"
	// TransactionRefunding holds a paid sale while its refund is with the provider.
	TransactionRefunding TransactionStatus = "refunding"
	TransactionRefunded  TransactionStatus = "refunded"
	TransactionCancelled TransactionStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

const DefaultCurrency = "USD"

type Transaction struct {
	ID              string            `json:"id" db:"id"`
	BuyerID         string            `json:"buyer_id" db:"buyer_id"`
	SellerID        string            `json:"seller_id" db:"seller_id"`
	ListingID       string            `json:"listing_id" db:"listing_id"`
	ListingTitle    string            `json:"listing_title" db:"listing_title"`
	TotalAmount     decimal.Decimal   `json:"total_amount" db:"total_amount"`
	Currency        string            `json:"currency" db:"currency"`
	Status          TransactionStatus `json:"status" db:"status"`
	PaymentStatus   PaymentStatus     `json:"payment_status" db:"payment_status"`
	PaymentID       string            `json:"payment_id,omitempty" db:"payment_id"`
	PaymentMethodID string            `json:"payment_method_id,omitempty" db:"payment_method_id"`
	Provider        string            `json:"provider,omitempty" db:"provider"`
	FailureReason   string            `json:"failure_reason,omitempty" db:"failure_reason"`
	RefundID        string            `json:"refund_id,omitempty" db:"refund_id"`
	RefundReason    string            `json:"refund_reason,omitempty" db:"refund_reason"`
	RefundedAt      *time.Time        `json:"refunded_at,omitempty" db:"refunded_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// CanCharge reports whether a new charge attempt may start. Failed charges
// are retried by calling ProcessPayment again.
func (t *Transaction) CanCharge() bool {
	return (t.PaymentStatus == PaymentPending || t.PaymentStatus == PaymentFailed) &&
		t.Status == TransactionPending
}

func (t *Transaction) CanRefund() bool {
	return t.PaymentStatus == PaymentCompleted && t.Status == TransactionPaid && t.PaymentID != ""
}

// Chargeable lists the payment statuses a charge attempt may start from.
var Chargeable = []PaymentStatus{PaymentPending, PaymentFailed}

type PaymentResult struct {
	TransactionID string          `json:"transaction_id"`
	PaymentID     string          `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ReceiptURL    string          `json:"receipt_url,omitempty"`
	Status        PaymentStatus   `json:"status"`
}

type RefundResult struct {
	TransactionID string          `json:"transaction_id"`
	RefundID      string          `json:"refund_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
}
