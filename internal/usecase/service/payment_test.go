package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"marketpay/internal/cmd/mockpay"
	"marketpay/internal/cmd/yoomoney"
	"marketpay/internal/config"
	entity "marketpay/internal/entity"
	"marketpay/internal/provider"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Date(2026, time.October, 15, 10, 0, 0, 0, time.UTC)

type MockPaymentMethodRepository struct {
	mock.Mock
}

func (m *MockPaymentMethodRepository) Create(ctx context.Context, pm *entity.PaymentMethod) error {
	args := m.Called(ctx, pm)
	return args.Error(0)
}

func (m *MockPaymentMethodRepository) GetByID(ctx context.Context, id string) (*entity.PaymentMethod, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.PaymentMethod), args.Error(1)
}

func (m *MockPaymentMethodRepository) GetForUser(ctx context.Context, id, userID string) (*entity.PaymentMethod, error) {
	args := m.Called(ctx, id, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.PaymentMethod), args.Error(1)
}

func (m *MockPaymentMethodRepository) ListByUser(ctx context.Context, userID string) ([]*entity.PaymentMethod, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entity.PaymentMethod), args.Error(1)
}

func (m *MockPaymentMethodRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockPaymentMethodRepository) Deactivate(ctx context.Context, id, userID string) error {
	args := m.Called(ctx, id, userID)
	return args.Error(0)
}

func (m *MockPaymentMethodRepository) SetDefault(ctx context.Context, id, userID string) error {
	args := m.Called(ctx, id, userID)
	return args.Error(0)
}

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, tx *entity.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, id string) (*entity.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) MarkProcessing(ctx context.Context, id, paymentMethodID, provider string) (bool, error) {
	args := m.Called(ctx, id, paymentMethodID, provider)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransactionRepository) MarkPaid(ctx context.Context, id, paymentID string) error {
	args := m.Called(ctx, id, paymentID)
	return args.Error(0)
}

func (m *MockTransactionRepository) MarkPaymentFailed(ctx context.Context, id, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockTransactionRepository) MarkRefunding(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransactionRepository) ReleaseRefund(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTransactionRepository) MarkRefunded(ctx context.Context, id, refundID, reason string) error {
	args := m.Called(ctx, id, refundID, reason)
	return args.Error(0)
}

type MockPayoutRepository struct {
	mock.Mock
}

func (m *MockPayoutRepository) Create(ctx context.Context, p *entity.Payout) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockPayoutRepository) GetByID(ctx context.Context, id string) (*entity.Payout, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Payout), args.Error(1)
}

func (m *MockPayoutRepository) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*entity.Payout, error) {
	args := m.Called(ctx, sellerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entity.Payout), args.Error(1)
}

func (m *MockPayoutRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockPayoutRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayoutRepository) MarkCompleted(ctx context.Context, id, providerPayoutID string) error {
	args := m.Called(ctx, id, providerPayoutID)
	return args.Error(0)
}

func (m *MockPayoutRepository) MarkFailed(ctx context.Context, id, reason string, retryable bool) error {
	args := m.Called(ctx, id, reason, retryable)
	return args.Error(0)
}

type MockBalanceRepository struct {
	mock.Mock
}

func (m *MockBalanceRepository) GetSellerBalance(ctx context.Context, sellerID string) (*entity.SellerBalance, error) {
	args := m.Called(ctx, sellerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.SellerBalance), args.Error(1)
}

func (m *MockBalanceRepository) CanRequestPayout(ctx context.Context, sellerID string, available decimal.Decimal) (*entity.PayoutEligibility, error) {
	args := m.Called(ctx, sellerID, available)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.PayoutEligibility), args.Error(1)
}

// spyProvider counts money-moving calls made against the wrapped mock client.
type spyProvider struct {
	*mockpay.Client
	kind provider.Kind

	// refundErr, when set, is returned instead of refunding.
	refundErr error

	mu      sync.Mutex
	charges int
	refunds int
	payouts int
}

func (p *spyProvider) Kind() provider.Kind { return p.kind }

func (p *spyProvider) Charge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	p.mu.Lock()
	p.charges++
	p.mu.Unlock()
	return p.Client.Charge(ctx, req)
}

func (p *spyProvider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResult, error) {
	p.mu.Lock()
	p.refunds++
	p.mu.Unlock()
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return p.Client.Refund(ctx, req)
}

func (p *spyProvider) Payout(ctx context.Context, req *provider.PayoutRequest) (*provider.PayoutResult, error) {
	p.mu.Lock()
	p.payouts++
	p.mu.Unlock()
	return p.Client.Payout(ctx, req)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]entity.Event
}

func (n *recordingNotifier) Publish(userID string, event entity.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]entity.Event)
	}
	n.events[userID] = append(n.events[userID], event)
	return nil
}

func (n *recordingNotifier) typesFor(userID string) []entity.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var types []entity.EventType
	for _, e := range n.events[userID] {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	methods      *MockPaymentMethodRepository
	transactions *MockTransactionRepository
	payouts      *MockPayoutRepository
	balances     *MockBalanceRepository
	mock         *spyProvider
	notifier     *recordingNotifier
	logs         *observer.ObservedLogs
	service      *PaymentService
}

func newFixture(t *testing.T, mockOpts mockpay.Options, extra ...provider.Provider) *fixture {
	t.Helper()
	if mockOpts.Now == nil {
		mockOpts.Now = func() time.Time { return testNow }
	}
	f := &fixture{
		methods:      new(MockPaymentMethodRepository),
		transactions: new(MockTransactionRepository),
		payouts:      new(MockPayoutRepository),
		balances:     new(MockBalanceRepository),
		mock:         &spyProvider{Client: mockpay.New(mockOpts), kind: provider.KindMock},
		notifier:     &recordingNotifier{},
	}

	registry, err := provider.NewRegistry(append([]provider.Provider{f.mock}, extra...)...)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	f.logs = logs

	f.service = NewPaymentService(f.methods, f.transactions, f.payouts, f.balances, registry, f.notifier, Options{
		MinimumPayout: decimal.RequireFromString("20.00"),
		FeeRate:       decimal.RequireFromString("0.02"),
		PayoutDelay:   24 * time.Hour,
		Currency:      "USD",
		WebhookSecret: "whsec_test",
		Now:           func() time.Time { return testNow },
	}, zap.New(core))
	return f
}

func walletProvider() *yoomoney.Client {
	return yoomoney.New(&config.Config{Yoomoney: config.Yoomoney{
		Token:    "wallet-token",
		Receiver: "4100111111111111",
		BaseURL:  "https://wallet.example",
	}})
}

// walletNotification signs a form-encoded wallet notification the way the
// wallet does, with secret appended into the sha1 input.
func walletNotification(fields map[string]string, secret string) []byte {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	sum := sha1.Sum([]byte(strings.Join([]string{
		form.Get("notification_type"), form.Get("operation_id"), form.Get("amount"), form.Get("currency"),
		form.Get("datetime"), form.Get("sender"), form.Get("codepro"), secret, form.Get("label"),
	}, "&")))
	form.Set("sha1_hash", hex.EncodeToString(sum[:]))
	return []byte(form.Encode())
}

func processingSale(providerKind string) *entity.Transaction {
	tx := pendingSale()
	tx.PaymentStatus = entity.PaymentProcessing
	tx.PaymentMethodID = "pm-1"
	tx.Provider = providerKind
	return tx
}

func pendingSale() *entity.Transaction {
	return &entity.Transaction{
		ID:            "txn-1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		ListingID:     "listing-1",
		ListingTitle:  "Vintage lamp",
		TotalAmount:   decimal.RequireFromString("99.99"),
		Currency:      "USD",
		Status:        entity.TransactionPending,
		PaymentStatus: entity.PaymentPending,
	}
}

func paidSale(providerKind string) *entity.Transaction {
	tx := pendingSale()
	tx.Status = entity.TransactionPaid
	tx.PaymentStatus = entity.PaymentCompleted
	tx.PaymentID = "mock_txn_1792058400000_abc"
	tx.Provider = providerKind
	return tx
}

func mockCard(token string) *entity.PaymentMethod {
	return &entity.PaymentMethod{
		ID:            "pm-1",
		UserID:        "buyer-1",
		Type:          entity.PaymentTypeCard,
		Provider:      "mock",
		ProviderToken: token,
		Brand:         "visa",
		Last4:         "4242",
		ExpMonth:      12,
		ExpYear:       2030,
		IsActive:      true,
	}
}

func TestProcessPayment_Success(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(mockCard("mock_pm_1792058400000_abc"), nil)
	f.transactions.On("MarkProcessing", ctx, "txn-1", "pm-1", "mock").Return(true, nil)
	f.transactions.On("MarkPaid", mock.Anything, "txn-1", mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "mock_txn_")
	})).Return(nil)

	res, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, res.Status)
	assert.True(t, strings.HasPrefix(res.PaymentID, "mock_txn_"))
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("99.99")))
	assert.Equal(t, 1, f.mock.charges)
	f.transactions.AssertExpectations(t)
	f.transactions.AssertNotCalled(t, "MarkPaymentFailed", mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, []entity.EventType{entity.EventPaymentCompleted}, f.notifier.typesFor("buyer-1"))
	assert.Equal(t, []entity.EventType{entity.EventPaymentCompleted}, f.notifier.typesFor("seller-1"))
}

func TestProcessPayment_AlreadyPaid(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	tx := pendingSale()
	tx.PaymentStatus = entity.PaymentCompleted
	tx.Status = entity.TransactionPaid
	f.transactions.On("GetByID", ctx, "txn-1").Return(tx, nil)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	assert.True(t, entity.IsKind(err, entity.KindState))
	assert.ErrorContains(t, err, "already paid")
	assert.Equal(t, 0, f.mock.charges)
	f.methods.AssertNotCalled(t, "GetForUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPayment_ExpiredCard(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	card := mockCard("mock_pm_1_abc")
	card.ExpYear = 2026
	card.ExpMonth = 9
	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(card, nil)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "expired")
	assert.Equal(t, 0, f.mock.charges)
	f.transactions.AssertNotCalled(t, "MarkProcessing", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPayment_InactiveMethod(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	card := mockCard("mock_pm_1_abc")
	card.IsActive = false
	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(card, nil)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	assert.True(t, entity.IsKind(err, entity.KindNotFound))
	assert.Equal(t, 0, f.mock.charges)
}

func TestProcessPayment_Declined(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(mockCard(mockpay.TestCardInsufficientFunds), nil)
	f.transactions.On("MarkProcessing", ctx, "txn-1", "pm-1", "mock").Return(true, nil)
	f.transactions.On("MarkPaymentFailed", mock.Anything, "txn-1", "your card has insufficient funds").Return(nil)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	assert.True(t, entity.IsKind(err, entity.KindProvider))
	assert.ErrorContains(t, err, "payment failed: your card has insufficient funds")

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.CodeInsufficientFunds, perr.Code)

	f.transactions.AssertExpectations(t)
	f.transactions.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []entity.EventType{entity.EventPaymentFailed}, f.notifier.typesFor("buyer-1"))
	assert.Empty(t, f.notifier.typesFor("seller-1"))
}

func TestProcessPayment_RetryAfterFailure(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	tx := pendingSale()
	tx.PaymentStatus = entity.PaymentFailed
	f.transactions.On("GetByID", ctx, "txn-1").Return(tx, nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(mockCard("mock_pm_1_abc"), nil)
	f.transactions.On("MarkProcessing", ctx, "txn-1", "pm-1", "mock").Return(true, nil)
	f.transactions.On("MarkPaid", mock.Anything, "txn-1", mock.Anything).Return(nil)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")
	require.NoError(t, err)
}

func TestProcessPayment_LostRace(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(mockCard("mock_pm_1_abc"), nil)
	f.transactions.On("MarkProcessing", ctx, "txn-1", "pm-1", "mock").Return(false, nil)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	assert.True(t, entity.IsKind(err, entity.KindState))
	assert.Equal(t, 0, f.mock.charges)
}

func TestProcessPayment_UnrecordedChargeNeedsReconciliation(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(mockCard("mock_pm_1_abc"), nil)
	f.transactions.On("MarkProcessing", ctx, "txn-1", "pm-1", "mock").Return(true, nil)
	f.transactions.On("MarkPaid", mock.Anything, "txn-1", mock.Anything).Return(assert.AnError)

	_, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	assert.ErrorIs(t, err, assert.AnError)
	entries := f.logs.FilterMessage("Charge succeeded but could not be recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["reconciliation_required"])
	assert.Equal(t, "txn-1", entries[0].ContextMap()["transaction_id"])
	assert.Empty(t, f.notifier.typesFor("buyer-1"))
}

func TestProcessPayment_WalletChargeStaysProcessing(t *testing.T) {
	f := newFixture(t, mockpay.Options{}, walletProvider())
	ctx := context.Background()

	wallet := &entity.PaymentMethod{
		ID:            "pm-1",
		UserID:        "buyer-1",
		Type:          "wallet",
		Provider:      "yoomoney",
		ProviderToken: "41001234567890",
		IsActive:      true,
	}
	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(wallet, nil)
	f.transactions.On("MarkProcessing", ctx, "txn-1", "pm-1", "yoomoney").Return(true, nil)

	res, err := f.service.ProcessPayment(ctx, "txn-1", "pm-1")

	require.NoError(t, err)
	assert.Equal(t, entity.PaymentProcessing, res.Status)
	assert.Equal(t, "txn-1", res.PaymentID)
	assert.Contains(t, res.ReceiptURL, "label=txn-1")
	f.transactions.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything)
	f.transactions.AssertNotCalled(t, "MarkPaymentFailed", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.typesFor("seller-1"))
}

func TestProcessPayment_NotFound(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "missing").Return(nil, entity.NotFoundError("transaction missing not found"))

	_, err := f.service.ProcessPayment(ctx, "missing", "pm-1")
	assert.True(t, entity.IsKind(err, entity.KindNotFound))
}

func TestProcessRefund_RequiresCompletedPayment(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(pendingSale(), nil)
	_, err := f.service.ProcessRefund(ctx, "txn-1", "changed my mind")
	assert.True(t, entity.IsKind(err, entity.KindState))
	assert.ErrorContains(t, err, "has not been paid")

	refunded := paidSale("mock")
	refunded.Status = entity.TransactionRefunded
	f.transactions.On("GetByID", ctx, "txn-2").Return(refunded, nil)
	_, err = f.service.ProcessRefund(ctx, "txn-2", "again")
	assert.ErrorContains(t, err, "already refunded")

	assert.Equal(t, 0, f.mock.refunds)
	f.transactions.AssertNotCalled(t, "MarkRefunded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessRefund_Success(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(paidSale("mock"), nil)
	f.transactions.On("MarkRefunding", ctx, "txn-1").Return(true, nil)
	f.transactions.On("MarkRefunded", mock.Anything, "txn-1", mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "mock_re_")
	}), "item arrived damaged").Return(nil)

	res, err := f.service.ProcessRefund(ctx, "txn-1", "  <b>item arrived damaged</b> ")

	require.NoError(t, err)
	assert.Equal(t, "item arrived damaged", res.Reason)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("99.99")))
	assert.Equal(t, 1, f.mock.refunds)
	f.transactions.AssertExpectations(t)
	assert.Equal(t, []entity.EventType{entity.EventPaymentRefunded}, f.notifier.typesFor("seller-1"))
}

func TestProcessRefund_UsesStoredProvider(t *testing.T) {
	wallet := &spyProvider{Client: mockpay.New(mockpay.Options{}), kind: provider.KindYooMoney}
	f := newFixture(t, mockpay.Options{}, wallet)
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(paidSale("yoomoney"), nil)
	f.transactions.On("MarkRefunding", ctx, "txn-1").Return(true, nil)
	f.transactions.On("MarkRefunded", mock.Anything, "txn-1", mock.Anything, "").Return(nil)

	_, err := f.service.ProcessRefund(ctx, "txn-1", "")

	require.NoError(t, err)
	assert.Equal(t, 1, wallet.refunds)
	assert.Equal(t, 0, f.mock.refunds)
}

func TestProcessRefund_UnavailableProvider(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(paidSale("yoomoney"), nil)

	_, err := f.service.ProcessRefund(ctx, "txn-1", "")
	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "not available")
	f.transactions.AssertNotCalled(t, "MarkRefunding", mock.Anything, mock.Anything)
}

func TestProcessRefund_ConcurrentRequestsRefundOnce(t *testing.T) {
	f := newFixture(t, mockpay.Options{Delay: 50 * time.Millisecond})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(paidSale("mock"), nil)
	f.transactions.On("MarkRefunding", ctx, "txn-1").Return(true, nil).Once()
	f.transactions.On("MarkRefunding", ctx, "txn-1").Return(false, nil)
	f.transactions.On("MarkRefunded", mock.Anything, "txn-1", mock.Anything, "duplicate").Return(nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.ProcessRefund(ctx, "txn-1", "duplicate")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.mock.refunds)
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	assert.True(t, entity.IsKind(failed[0], entity.KindState))
	assert.ErrorContains(t, failed[0], "already being refunded")
	f.transactions.AssertNumberOfCalls(t, "MarkRefunded", 1)
}

func TestProcessRefund_AlreadyRefunding(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	tx := paidSale("mock")
	tx.Status = entity.TransactionRefunding
	f.transactions.On("GetByID", ctx, "txn-1").Return(tx, nil)

	_, err := f.service.ProcessRefund(ctx, "txn-1", "")

	assert.True(t, entity.IsKind(err, entity.KindState))
	assert.ErrorContains(t, err, "already being refunded")
	assert.Equal(t, 0, f.mock.refunds)
	f.transactions.AssertNotCalled(t, "MarkRefunding", mock.Anything, mock.Anything)
}

func TestProcessRefund_ProviderFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	f.mock.refundErr = provider.NewError(provider.CodeUpstream, "bank unavailable")
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(paidSale("mock"), nil)
	f.transactions.On("MarkRefunding", ctx, "txn-1").Return(true, nil)
	f.transactions.On("ReleaseRefund", mock.Anything, "txn-1").Return(nil)

	_, err := f.service.ProcessRefund(ctx, "txn-1", "")

	assert.True(t, entity.IsKind(err, entity.KindProvider))
	assert.ErrorContains(t, err, "refund failed: bank unavailable")
	f.transactions.AssertExpectations(t)
	f.transactions.AssertNotCalled(t, "MarkRefunded", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.typesFor("buyer-1"))
}

func TestRequestPayout_WholeBalance(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	available := decimal.RequireFromString("50.00")
	f.balances.On("GetSellerBalance", ctx, "seller-1").Return(&entity.SellerBalance{SellerID: "seller-1", Available: available}, nil)
	f.balances.On("CanRequestPayout", ctx, "seller-1", available).Return(&entity.PayoutEligibility{Eligible: true}, nil)
	f.payouts.On("Create", ctx, mock.AnythingOfType("*entity.Payout")).Return(nil)

	payout, err := f.service.RequestPayout(ctx, "seller-1", nil)

	require.NoError(t, err)
	assert.Equal(t, "50.00", payout.Amount.StringFixed(2))
	assert.Equal(t, "1.00", payout.FeeAmount.StringFixed(2))
	assert.Equal(t, "49.00", payout.NetAmount.StringFixed(2))
	assert.Equal(t, entity.PayoutPending, payout.Status)
	assert.Equal(t, "mock", payout.Provider)
	assert.Equal(t, entity.PayoutMethodBankAccount, payout.PayoutMethod)
	assert.WithinDuration(t, testNow.Add(24*time.Hour), payout.ScheduledFor, time.Second)
	assert.Equal(t, []entity.EventType{entity.EventPayoutRequested}, f.notifier.typesFor("seller-1"))
}

func TestRequestPayout_FeeRounding(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	available := decimal.RequireFromString("100.00")
	amount := decimal.RequireFromString("33.33")
	f.balances.On("GetSellerBalance", ctx, "seller-1").Return(&entity.SellerBalance{Available: available}, nil)
	f.balances.On("CanRequestPayout", ctx, "seller-1", available).Return(&entity.PayoutEligibility{Eligible: true}, nil)
	f.payouts.On("Create", ctx, mock.Anything).Return(nil)

	payout, err := f.service.RequestPayout(ctx, "seller-1", &amount)

	require.NoError(t, err)
	assert.Equal(t, "0.67", payout.FeeAmount.StringFixed(2))
	assert.Equal(t, "32.66", payout.NetAmount.StringFixed(2))
}

func TestRequestPayout_Rejections(t *testing.T) {
	ctx := context.Background()
	available := decimal.RequireFromString("50.00")
	tooMuch := decimal.RequireFromString("50.01")
	tooLittle := decimal.RequireFromString("19.99")

	cases := []struct {
		name     string
		eligible *entity.PayoutEligibility
		amount   *decimal.Decimal
		msg      string
	}{
		{"ineligible", &entity.PayoutEligibility{Reason: "a payout is already in progress"}, nil, "a payout is already in progress"},
		{"exceeds balance", &entity.PayoutEligibility{Eligible: true}, &tooMuch, "exceeds available balance"},
		{"below minimum", &entity.PayoutEligibility{Eligible: true}, &tooLittle, "minimum payout amount is 20.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, mockpay.Options{})
			f.balances.On("GetSellerBalance", ctx, "seller-1").Return(&entity.SellerBalance{Available: available}, nil)
			f.balances.On("CanRequestPayout", ctx, "seller-1", available).Return(tc.eligible, nil)

			_, err := f.service.RequestPayout(ctx, "seller-1", tc.amount)

			assert.True(t, entity.IsKind(err, entity.KindPolicy))
			assert.ErrorContains(t, err, tc.msg)
			f.payouts.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestProcessPayout_Success(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	payout := &entity.Payout{
		ID:        "po-1",
		SellerID:  "seller-1",
		Amount:    decimal.RequireFromString("50.00"),
		FeeAmount: decimal.RequireFromString("1.00"),
		NetAmount: decimal.RequireFromString("49.00"),
		Currency:  "USD",
		Provider:  "mock",
		Status:    entity.PayoutPending,
	}
	f.payouts.On("GetByID", ctx, "po-1").Return(payout, nil)
	f.payouts.On("MarkProcessing", ctx, "po-1").Return(true, nil)
	f.payouts.On("MarkCompleted", mock.Anything, "po-1", mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "mock_po_")
	})).Return(nil)

	res, err := f.service.ProcessPayout(ctx, "po-1")

	require.NoError(t, err)
	assert.Equal(t, entity.PayoutCompleted, res.Status)
	assert.Equal(t, "49.00", res.NetAmount.StringFixed(2))
	assert.Equal(t, testNow.Add(48*time.Hour), res.ArrivalDate)
	f.payouts.AssertExpectations(t)
	assert.Equal(t, []entity.EventType{entity.EventPayoutCompleted}, f.notifier.typesFor("seller-1"))
}

func TestProcessPayout_NotPending(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.payouts.On("GetByID", ctx, "po-1").Return(&entity.Payout{ID: "po-1", Provider: "mock", Status: entity.PayoutCompleted}, nil)

	_, err := f.service.ProcessPayout(ctx, "po-1")

	assert.True(t, entity.IsKind(err, entity.KindState))
	assert.ErrorContains(t, err, "completed")
	assert.Equal(t, 0, f.mock.payouts)
	f.payouts.AssertNotCalled(t, "MarkProcessing", mock.Anything, mock.Anything)
}

func TestProcessPayout_ProviderFailure(t *testing.T) {
	f := newFixture(t, mockpay.Options{FailureRate: 1})
	ctx := context.Background()

	f.payouts.On("GetByID", ctx, "po-1").Return(&entity.Payout{
		ID:        "po-1",
		SellerID:  "seller-1",
		NetAmount: decimal.RequireFromString("49.00"),
		Provider:  "mock",
		Status:    entity.PayoutPending,
	}, nil)
	f.payouts.On("MarkProcessing", ctx, "po-1").Return(true, nil)
	f.payouts.On("MarkFailed", mock.Anything, "po-1", "payout was rejected by the bank", true).Return(nil)

	_, err := f.service.ProcessPayout(ctx, "po-1")

	assert.True(t, entity.IsKind(err, entity.KindProvider))
	assert.ErrorContains(t, err, "payout failed")
	f.payouts.AssertExpectations(t)
	f.payouts.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []entity.EventType{entity.EventPayoutFailed}, f.notifier.typesFor("seller-1"))
}

func TestCreatePaymentMethod(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.methods.On("CountActiveByUser", ctx, "buyer-1").Return(0, nil)
	f.methods.On("Create", ctx, mock.AnythingOfType("*entity.PaymentMethod")).Return(nil)

	pm, err := f.service.CreatePaymentMethod(ctx, "buyer-1", &entity.PaymentMethodDetails{
		CardNumber: "4242424242424242",
		ExpMonth:   12,
		ExpYear:    2030,
		CVC:        "123",
		HolderName: "Jane <script>alert(1)</script>Doe",
	})

	require.NoError(t, err)
	assert.Equal(t, "visa ****4242", pm.DisplayName)
	assert.Equal(t, "mock", pm.Provider)
	assert.Equal(t, entity.PaymentTypeCard, pm.Type)
	assert.True(t, strings.HasPrefix(pm.ProviderToken, "mock_pm_"))
	assert.True(t, pm.IsDefault)
	assert.True(t, pm.IsActive)
	assert.NotContains(t, pm.HolderName, "<script>")
}

func TestCreatePaymentMethod_SecondIsNotDefault(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.methods.On("CountActiveByUser", ctx, "buyer-1").Return(1, nil)
	f.methods.On("Create", ctx, mock.Anything).Return(nil)

	pm, err := f.service.CreatePaymentMethod(ctx, "buyer-1", &entity.PaymentMethodDetails{
		CardNumber: "5500000000000004", ExpMonth: 1, ExpYear: 2031, CVC: "999",
	})
	require.NoError(t, err)
	assert.False(t, pm.IsDefault)
	assert.Equal(t, "mastercard ****0004", pm.DisplayName)
}

func TestCreatePaymentMethod_Rejected(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	_, err := f.service.CreatePaymentMethod(ctx, "buyer-1", &entity.PaymentMethodDetails{
		CardNumber: "4242", ExpMonth: 12, ExpYear: 2030, CVC: "123",
	})
	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "invalid card number")

	_, err = f.service.CreatePaymentMethod(ctx, "buyer-1", &entity.PaymentMethodDetails{Provider: "stripe"})
	assert.ErrorContains(t, err, "unknown payment provider")

	f.methods.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestDeactivatePaymentMethod_PromotesNextDefault(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	current := mockCard("mock_pm_1_abc")
	current.IsDefault = true
	next := mockCard("mock_pm_2_def")
	next.ID = "pm-2"

	f.methods.On("GetForUser", ctx, "pm-1", "buyer-1").Return(current, nil)
	f.methods.On("Deactivate", ctx, "pm-1", "buyer-1").Return(nil)
	f.methods.On("ListByUser", ctx, "buyer-1").Return([]*entity.PaymentMethod{next}, nil)
	f.methods.On("SetDefault", ctx, "pm-2", "buyer-1").Return(nil)

	require.NoError(t, f.service.DeactivatePaymentMethod(ctx, "buyer-1", "pm-1"))
	f.methods.AssertExpectations(t)
}

func TestCreateTransaction(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("Create", ctx, mock.AnythingOfType("*entity.Transaction")).Return(nil)

	tx, err := f.service.CreateTransaction(ctx, &entity.TransactionDraft{
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		ListingID:    "listing-1",
		ListingTitle: "Vintage lamp",
		Amount:       decimal.RequireFromString("99.99"),
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, entity.TransactionPending, tx.Status)
	assert.Equal(t, entity.PaymentPending, tx.PaymentStatus)

	_, err = f.service.CreateTransaction(ctx, &entity.TransactionDraft{
		BuyerID: "u", SellerID: "u", ListingID: "l", Amount: decimal.NewFromInt(1),
	})
	assert.ErrorContains(t, err, "must differ")

	_, err = f.service.CreateTransaction(ctx, &entity.TransactionDraft{
		BuyerID: "a", SellerID: "b", ListingID: "l", Amount: decimal.RequireFromString("1.005"),
	})
	assert.ErrorContains(t, err, "two decimal places")
}

func TestProviders(t *testing.T) {
	wallet := &spyProvider{Client: mockpay.New(mockpay.Options{}), kind: provider.KindYooMoney}
	f := newFixture(t, mockpay.Options{}, wallet)

	assert.Equal(t, []string{"mock", "yoomoney"}, f.service.GetAvailableProviders())
	assert.True(t, f.service.IsProviderAvailable("mock"))
	assert.True(t, f.service.IsProviderAvailable("yoomoney"))
	assert.False(t, f.service.IsProviderAvailable("stripe"))
	assert.False(t, f.service.IsProviderAvailable(""))
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1","type":"charge.succeeded","data":{"id":"mock_txn_1"}}`)
	sig := hex.EncodeToString(mockpay.Sign(payload, "whsec_test"))

	event, err := f.service.HandleWebhook(ctx, "mock", payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "charge.succeeded", event.Type)
	assert.Equal(t, "mock", event.Provider)
	assert.Equal(t, "mock_txn_1", event.Data["id"])

	_, err = f.service.HandleWebhook(ctx, "mock", payload, hex.EncodeToString(mockpay.Sign(payload, "wrong")))
	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "invalid webhook signature")
}

func TestHandleWebhook_FormEncoded(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	payload := []byte("notification_type=p2p-incoming&operation_id=1234567&amount=300.00")
	sig := hex.EncodeToString(mockpay.Sign(payload, "whsec_test"))

	event, err := f.service.HandleWebhook(context.Background(), "mock", payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "1234567", event.ID)
	assert.Equal(t, "p2p-incoming", event.Type)
	assert.Equal(t, "300.00", event.Data["amount"])

	garbage := []byte("not a webhook")
	_, err = f.service.HandleWebhook(context.Background(), "mock", garbage, hex.EncodeToString(mockpay.Sign(garbage, "whsec_test")))
	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "malformed webhook payload")
}

func TestHandleWebhook_WalletNotificationCompletesCharge(t *testing.T) {
	f := newFixture(t, mockpay.Options{}, walletProvider())
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(processingSale("yoomoney"), nil)
	f.transactions.On("MarkPaid", mock.Anything, "txn-1", "op-1").Return(nil)

	payload := walletNotification(map[string]string{
		"notification_type": "p2p-incoming",
		"operation_id":      "op-1",
		"amount":            "97.49",
		"withdraw_amount":   "99.99",
		"currency":          "643",
		"datetime":          "2026-10-15T10:05:00Z",
		"sender":            "41001000040",
		"codepro":           "false",
		"label":             "txn-1",
	}, "whsec_test")

	event, err := f.service.HandleWebhook(ctx, "yoomoney", payload, "")

	require.NoError(t, err)
	assert.True(t, event.Applied)
	assert.Equal(t, "txn-1", event.TransactionID)
	f.transactions.AssertExpectations(t)
	assert.Equal(t, []entity.EventType{entity.EventPaymentCompleted}, f.notifier.typesFor("buyer-1"))
	assert.Equal(t, []entity.EventType{entity.EventPaymentCompleted}, f.notifier.typesFor("seller-1"))
}

func TestHandleWebhook_WalletUnderpaymentRejected(t *testing.T) {
	f := newFixture(t, mockpay.Options{}, walletProvider())
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(processingSale("yoomoney"), nil)
	payload := walletNotification(map[string]string{
		"notification_type": "p2p-incoming",
		"operation_id":      "op-1",
		"amount":            "48.75",
		"withdraw_amount":   "50.00",
		"codepro":           "false",
		"label":             "txn-1",
	}, "whsec_test")

	_, err := f.service.HandleWebhook(ctx, "yoomoney", payload, "")

	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "paid amount 50.00 is less than transaction total 99.99")
	f.transactions.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_DuplicateDeliveryIsAcknowledged(t *testing.T) {
	f := newFixture(t, mockpay.Options{}, walletProvider())
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(paidSale("yoomoney"), nil)
	payload := walletNotification(map[string]string{
		"notification_type": "p2p-incoming",
		"operation_id":      "op-1",
		"withdraw_amount":   "99.99",
		"label":             "txn-1",
	}, "whsec_test")

	event, err := f.service.HandleWebhook(ctx, "yoomoney", payload, "")

	require.NoError(t, err)
	assert.True(t, event.Applied)
	f.transactions.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.typesFor("seller-1"))
}

func TestHandleWebhook_ChargeFailed(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(processingSale("mock"), nil)
	f.transactions.On("MarkPaymentFailed", ctx, "txn-1", "card expired").Return(nil)

	payload := []byte(`{"id":"evt_2","type":"charge.failed","data":{"transaction_id":"txn-1","failure_message":"card expired"}}`)
	event, err := f.service.HandleWebhook(ctx, "mock", payload, hex.EncodeToString(mockpay.Sign(payload, "whsec_test")))

	require.NoError(t, err)
	assert.True(t, event.Applied)
	f.transactions.AssertExpectations(t)
	assert.Equal(t, []entity.EventType{entity.EventPaymentFailed}, f.notifier.typesFor("buyer-1"))
}

func TestHandleWebhook_ProviderMismatch(t *testing.T) {
	f := newFixture(t, mockpay.Options{})
	ctx := context.Background()

	f.transactions.On("GetByID", ctx, "txn-1").Return(processingSale("yoomoney"), nil)

	payload := []byte(`{"id":"evt_3","type":"charge.succeeded","data":{"id":"mock_txn_9","transaction_id":"txn-1","amount":99.99}}`)
	_, err := f.service.HandleWebhook(ctx, "mock", payload, hex.EncodeToString(mockpay.Sign(payload, "whsec_test")))

	assert.True(t, entity.IsKind(err, entity.KindValidation))
	assert.ErrorContains(t, err, "was not charged through mock")
	f.transactions.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything)
}
