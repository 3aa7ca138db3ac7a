package entity

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsCardExpired(t *testing.T) {
	now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		month int
		year  int
		want  bool
	}{
		{"previous year", 12, 2025, true},
		{"earlier month same year", 9, 2026, true},
		{"current month", 10, 2026, false},
		{"later month same year", 11, 2026, false},
		{"future year", 1, 2027, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsCardExpired(tc.month, tc.year, now))
		})
	}
}

func TestPaymentMethod_Usable(t *testing.T) {
	now := time.Date(2026, time.October, 15, 0, 0, 0, 0, time.UTC)

	card := PaymentMethod{Type: PaymentTypeCard, IsActive: true, ExpMonth: 1, ExpYear: 2030}
	assert.True(t, card.Usable(now))

	card.IsActive = false
	assert.False(t, card.Usable(now))

	expired := PaymentMethod{Type: PaymentTypeCard, IsActive: true, ExpMonth: 1, ExpYear: 2020}
	assert.True(t, expired.IsExpired(now))
	assert.False(t, expired.Usable(now))

	wallet := PaymentMethod{Type: "wallet", IsActive: true}
	assert.False(t, wallet.IsExpired(now))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "visa ****4242", DisplayName("visa", "4242"))
}

func TestTransaction_Transitions(t *testing.T) {
	tx := Transaction{Status: TransactionPending, PaymentStatus: PaymentPending}
	assert.True(t, tx.CanCharge())
	assert.False(t, tx.CanRefund())

	tx.PaymentStatus = PaymentFailed
	assert.True(t, tx.CanCharge())

	tx.PaymentStatus = PaymentCompleted
	tx.Status = TransactionPaid
	tx.PaymentID = "mock_txn_1"
	assert.False(t, tx.CanCharge())
	assert.True(t, tx.CanRefund())

	tx.Status = TransactionRefunding
	assert.False(t, tx.CanRefund())

	tx.Status = TransactionRefunded
	assert.False(t, tx.CanRefund())
}

func TestErrorKinds(t *testing.T) {
	base := NotFoundError("transaction %s not found", "t1")
	wrapped := fmt.Errorf("loading: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, "transaction t1 not found", base.Error())

	provider := WrapError(KindProvider, "payment failed", ValidationError("amount must be positive"))
	assert.Equal(t, KindProvider, KindOf(provider))
	assert.Equal(t, "payment failed: amount must be positive", provider.Error())

	var inner *Error
	assert.True(t, errors.As(provider.Unwrap(), &inner))
	assert.Equal(t, KindValidation, inner.Kind)

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindState))
}
