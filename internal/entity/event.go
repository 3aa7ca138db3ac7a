package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"
	EventPayoutRequested  EventType = "payout.requested"
	EventPayoutCompleted  EventType = "payout.completed"
	EventPayoutFailed     EventType = "payout.failed"
)

// Event is pushed to connected clients when a payment or payout changes
// state.
type Event struct {
	Type          EventType       `json:"type"`
	TransactionID string          `json:"transaction_id,omitempty"`
	PayoutID      string          `json:"payout_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// TransactionDraft describes a sale about to be recorded.
type TransactionDraft struct {
	BuyerID      string
	SellerID     string
	ListingID    string
	ListingTitle string
	Amount       decimal.Decimal
	Currency     string
}

// WebhookEvent is a verified provider callback. Applied is set when the
// callback settled a charge on TransactionID.
type WebhookEvent struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Provider      string         `json:"provider"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Applied       bool           `json:"applied"`
	Data          map[string]any `json:"data,omitempty"`
}
