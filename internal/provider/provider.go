package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider moves money on behalf of the payment service. Implementations
// never persist anything; they return results or fail with an error.
type Provider interface {
	// Kind identifies the provider in the registry and on stored records.
	Kind() Kind

	CreatePaymentMethod(ctx context.Context, req *PaymentMethodRequest) (*PaymentMethodResult, error)
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
	Payout(ctx context.Context, req *PayoutRequest) (*PayoutResult, error)

	GetTransaction(ctx context.Context, id string) (*ChargeResult, error)
	GetPayout(ctx context.Context, id string) (*PayoutResult, error)

	ValidateWebhookSignature(payload []byte, signature, secret string) bool
}

type PaymentMethodRequest struct {
	Type       string
	CardNumber string
	ExpMonth   int
	ExpYear    int
	CVC        string
	HolderName string
}

type PaymentMethodResult struct {
	ID         string    `json:"id"`
	Brand      string    `json:"brand"`
	Last4      string    `json:"last4"`
	ExpMonth   int       `json:"exp_month"`
	ExpYear    int       `json:"exp_year"`
	HolderName string    `json:"holder_name"`
	Created    time.Time `json:"created"`
}

type ChargeRequest struct {
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
}

const (
	StatusSucceeded = "succeeded"
	StatusPaid      = "paid"
	// StatusPending means the buyer still has to confirm the charge with
	// the provider; a webhook reports the outcome.
	StatusPending = "pending"
	StatusFailed  = "failed"
)

type ChargeResult struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentMethodID string          `json:"payment_method_id"`
	ReceiptURL      string          `json:"receipt_url,omitempty"`
	Created         time.Time       `json:"created"`
}

type RefundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Reason        string
}

type RefundResult struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
	Created       time.Time       `json:"created"`
}

type PayoutRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Destination string
	Description string
	Metadata    map[string]string
}

type PayoutResult struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
	ArrivalDate time.Time       `json:"arrival_date"`
	Created     time.Time       `json:"created"`
}
