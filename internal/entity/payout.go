package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

const PayoutMethodBankAccount = "bank_account"

type Payout struct {
	ID               string            `json:"id" db:"id"`
	SellerID         string            `json:"seller_id" db:"seller_id"`
	Amount           decimal.Decimal   `json:"amount" db:"amount"`
	FeeAmount        decimal.Decimal   `json:"fee_amount" db:"fee_amount"`
	NetAmount        decimal.Decimal   `json:"net_amount" db:"net_amount"`
	Currency         string            `json:"currency" db:"currency"`
	PayoutMethod     string            `json:"payout_method" db:"payout_method"`
	Provider         string            `json:"provider" db:"provider"`
	Status           PayoutStatus      `json:"status" db:"status"`
	ProviderPayoutID string            `json:"provider_payout_id,omitempty" db:"provider_payout_id"`
	FailureReason    string            `json:"failure_reason,omitempty" db:"failure_reason"`
	Retryable        bool              `json:"retryable" db:"retryable"`
	ScheduledFor     time.Time         `json:"scheduled_for" db:"scheduled_for"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty" db:"processed_at"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// PayoutEligibility is the persistence layer's verdict on whether a seller
// may request a payout right now.
type PayoutEligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

type SellerBalance struct {
	SellerID      string          `json:"seller_id"`
	TotalEarned   decimal.Decimal `json:"total_earned"`
	TotalPaidOut  decimal.Decimal `json:"total_paid_out"`
	PendingPayout decimal.Decimal `json:"pending_payout"`
	Available     decimal.Decimal `json:"available"`
	Currency      string          `json:"currency"`
}

type PayoutResult struct {
	PayoutID         string          `json:"payout_id"`
	ProviderPayoutID string          `json:"provider_payout_id"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	Status           PayoutStatus    `json:"status"`
	ArrivalDate      time.Time       `json:"arrival_date"`
}
