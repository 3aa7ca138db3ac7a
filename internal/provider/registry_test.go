package provider

import (
	"context"
	"testing"

	entity "marketpay/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	kind Kind
}

func (s stubProvider) Kind() Kind { return s.kind }

func (stubProvider) CreatePaymentMethod(context.Context, *PaymentMethodRequest) (*PaymentMethodResult, error) {
	return &PaymentMethodResult{}, nil
}

func (stubProvider) Charge(context.Context, *ChargeRequest) (*ChargeResult, error) {
	return &ChargeResult{}, nil
}

func (stubProvider) Refund(context.Context, *RefundRequest) (*RefundResult, error) {
	return &RefundResult{}, nil
}

func (stubProvider) Payout(context.Context, *PayoutRequest) (*PayoutResult, error) {
	return &PayoutResult{}, nil
}

func (stubProvider) GetTransaction(context.Context, string) (*ChargeResult, error) {
	return &ChargeResult{}, nil
}

func (stubProvider) GetPayout(context.Context, string) (*PayoutResult, error) {
	return &PayoutResult{}, nil
}

func (stubProvider) ValidateWebhookSignature([]byte, string, string) bool { return true }

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindMock, k)

	k, err = ParseKind("yoomoney")
	require.NoError(t, err)
	assert.Equal(t, KindYooMoney, k)

	_, err = ParseKind("stripe")
	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, `"stripe"`)
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(stubProvider{kind: KindYooMoney})
	assert.ErrorContains(t, err, "must always be registered")

	_, err = NewRegistry(stubProvider{kind: KindMock}, stubProvider{kind: KindMock})
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewRegistry(stubProvider{kind: "paypal"}, stubProvider{kind: KindMock})
	assert.ErrorContains(t, err, "not supported")
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := NewRegistry(stubProvider{kind: KindMock})
	require.NoError(t, err)

	p, err := r.Resolve(KindMock)
	require.NoError(t, err)
	assert.Equal(t, KindMock, p.Kind())

	_, err = r.Resolve(KindYooMoney)
	assert.True(t, entity.IsKind(err, entity.KindValidation))

	_, err = r.ResolveName("bogus")
	assert.ErrorContains(t, err, "unknown payment provider")

	p, err = r.ResolveName("")
	require.NoError(t, err)
	assert.Equal(t, KindMock, p.Kind())

	assert.True(t, r.Has(KindMock))
	assert.False(t, r.Has(KindYooMoney))
}

func TestRegistry_Kinds(t *testing.T) {
	r, err := NewRegistry(stubProvider{kind: KindYooMoney}, stubProvider{kind: KindMock})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindMock, KindYooMoney}, r.Kinds())
}
