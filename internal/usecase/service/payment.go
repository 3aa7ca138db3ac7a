package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketpay/internal/config"
	entity "marketpay/internal/entity"
	"marketpay/internal/provider"
	"marketpay/internal/repository"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPayoutListLimit = 50
	maxPayoutListLimit     = 100
)

// Notifier delivers realtime events to a user's open connections.
type Notifier interface {
	Publish(userID string, event entity.Event) error
}

type Options struct {
	MinimumPayout decimal.Decimal
	FeeRate       decimal.Decimal
	PayoutDelay   time.Duration
	Currency      string
	WebhookSecret string
	Now           func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MinimumPayout: decimal.NewFromFloat(cfg.Payments.MinimumPayout),
		FeeRate:       decimal.NewFromFloat(cfg.Payments.FeeRate),
		PayoutDelay:   cfg.Payments.PayoutDelay,
		Currency:      cfg.Payments.Currency,
		WebhookSecret: cfg.Payments.WebhookSecret,
	}
}

// PaymentService is the only writer of transaction and payout state.
type PaymentService struct {
	methods      repository.PaymentMethodRepository
	transactions repository.TransactionRepository
	payouts      repository.PayoutRepository
	balances     repository.BalanceRepository
	providers    *provider.Registry
	notifier     Notifier
	sanitizer    *bluemonday.Policy
	opts         Options
	logger       *zap.Logger
}

func NewPaymentService(
	methods repository.PaymentMethodRepository,
	transactions repository.TransactionRepository,
	payouts repository.PayoutRepository,
	balances repository.BalanceRepository,
	providers *provider.Registry,
	notifier Notifier,
	opts Options,
	logger *zap.Logger,
) *PaymentService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Currency == "" {
		opts.Currency = entity.DefaultCurrency
	}
	return &PaymentService{
		methods:      methods,
		transactions: transactions,
		payouts:      payouts,
		balances:     balances,
		providers:    providers,
		notifier:     notifier,
		sanitizer:    bluemonday.StrictPolicy(),
		opts:         opts,
		logger:       logger.With(zap.String("component", "payment_service")),
	}
}

// CreatePaymentMethod tokenizes the instrument with its provider and stores
// the token. A user's first method becomes their default.
func (s *PaymentService) CreatePaymentMethod(ctx context.Context, userID string, details *entity.PaymentMethodDetails) (*entity.PaymentMethod, error) {
	if details == nil {
		return nil, entity.ValidationError("payment method details are required")
	}
	s.logger.Info("Creating payment method", zap.String("user_id", userID), zap.String("provider", details.Provider))

	if strings.TrimSpace(userID) == "" {
		return nil, entity.ValidationError("user id is required")
	}
	methodType := details.Type
	if methodType == "" {
		methodType = entity.PaymentTypeCard
	}

	p, err := s.providers.ResolveName(details.Provider)
	if err != nil {
		return nil, err
	}

	res, err := p.CreatePaymentMethod(ctx, &provider.PaymentMethodRequest{
		Type:       methodType,
		CardNumber: details.CardNumber,
		ExpMonth:   details.ExpMonth,
		ExpYear:    details.ExpYear,
		CVC:        details.CVC,
		HolderName: s.sanitize(details.HolderName),
	})
	if err != nil {
		s.logger.Error("Provider rejected payment method", zap.String("user_id", userID), zap.Error(err))
		return nil, wrapProviderError("payment method creation failed", err)
	}

	active, err := s.methods.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	metadata := details.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	pm := &entity.PaymentMethod{
		UserID:        userID,
		Type:          methodType,
		Provider:      string(p.Kind()),
		ProviderToken: res.ID,
		DisplayName:   entity.DisplayName(res.Brand, res.Last4),
		Brand:         res.Brand,
		Last4:         res.Last4,
		ExpMonth:      res.ExpMonth,
		ExpYear:       res.ExpYear,
		HolderName:    res.HolderName,
		IsActive:      true,
		IsDefault:     active == 0,
		Metadata:      metadata,
	}
	if err := s.methods.Create(ctx, pm); err != nil {
		s.logger.Error("Failed to store payment method", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Payment method created", zap.String("payment_method_id", pm.ID), zap.String("display_name", pm.DisplayName))
	return pm, nil
}

func (s *PaymentService) ListPaymentMethods(ctx context.Context, userID string) ([]*entity.PaymentMethod, error) {
	return s.methods.ListByUser(ctx, userID)
}

// DeactivatePaymentMethod hides a method from the user. When it was the
// default, the next remaining method takes over.
func (s *PaymentService) DeactivatePaymentMethod(ctx context.Context, userID, paymentMethodID string) error {
	s.logger.Info("Deactivating payment method", zap.String("user_id", userID), zap.String("payment_method_id", paymentMethodID))

	pm, err := s.methods.GetForUser(ctx, paymentMethodID, userID)
	if err != nil {
		return err
	}
	if err := s.methods.Deactivate(ctx, paymentMethodID, userID); err != nil {
		return err
	}
	if !pm.IsDefault {
		return nil
	}

	remaining, err := s.methods.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}
	return s.methods.SetDefault(ctx, remaining[0].ID, userID)
}

func (s *PaymentService) SetDefaultPaymentMethod(ctx context.Context, userID, paymentMethodID string) error {
	pm, err := s.methods.GetForUser(ctx, paymentMethodID, userID)
	if err != nil {
		return err
	}
	if err := s.checkUsable(pm); err != nil {
		return err
	}
	return s.methods.SetDefault(ctx, paymentMethodID, userID)
}

func (s *PaymentService) CreateTransaction(ctx context.Context, draft *entity.TransactionDraft) (*entity.Transaction, error) {
	if draft == nil {
		return nil, entity.ValidationError("transaction details are required")
	}
	s.logger.Info("Creating transaction",
		zap.String("buyer_id", draft.BuyerID),
		zap.String("seller_id", draft.SellerID),
		zap.String("listing_id", draft.ListingID),
		zap.String("amount", draft.Amount.String()))

	switch {
	case draft.BuyerID == "" || draft.SellerID == "" || draft.ListingID == "":
		return nil, entity.ValidationError("buyer, seller and listing are required")
	case draft.BuyerID == draft.SellerID:
		return nil, entity.ValidationError("buyer and seller must differ")
	}
	if err := validateAmount(draft.Amount); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(draft.Currency))
	if currency == "" {
		currency = s.opts.Currency
	}

	tx := &entity.Transaction{
		BuyerID:       draft.BuyerID,
		SellerID:      draft.SellerID,
		ListingID:     draft.ListingID,
		ListingTitle:  s.sanitize(draft.ListingTitle),
		TotalAmount:   draft.Amount,
		Currency:      currency,
		Status:        entity.TransactionPending,
		PaymentStatus: entity.PaymentPending,
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		s.logger.Error("Failed to create transaction", zap.Error(err))
		return nil, err
	}

	s.logger.Info("Transaction created", zap.String("transaction_id", tx.ID))
	return tx, nil
}

func (s *PaymentService) GetTransaction(ctx context.Context, transactionID string) (*entity.Transaction, error) {
	return s.transactions.GetByID(ctx, transactionID)
}

// ProcessPayment charges the buyer's payment method for the transaction
// total. A declined charge leaves the transaction chargeable again.
func (s *PaymentService) ProcessPayment(ctx context.Context, transactionID, paymentMethodID string) (*entity.PaymentResult, error) {
	s.logger.Info("Processing payment",
		zap.String("transaction_id", transactionID),
		zap.String("payment_method_id", paymentMethodID))

	tx, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentStatus == entity.PaymentCompleted {
		return nil, entity.StateError("transaction %s is already paid", transactionID)
	}
	if !tx.CanCharge() {
		return nil, entity.StateError("transaction %s cannot be charged (status %s, payment status %s)",
			transactionID, tx.Status, tx.PaymentStatus)
	}

	pm, err := s.methods.GetForUser(ctx, paymentMethodID, tx.BuyerID)
	if err != nil {
		return nil, err
	}
	if err := s.checkUsable(pm); err != nil {
		return nil, err
	}

	p, err := s.providers.ResolveName(pm.Provider)
	if err != nil {
		return nil, err
	}

	won, err := s.transactions.MarkProcessing(ctx, transactionID, pm.ID, string(p.Kind()))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, entity.StateError("transaction %s is already being processed", transactionID)
	}

	charge, err := p.Charge(ctx, &provider.ChargeRequest{
		Amount:          tx.TotalAmount,
		Currency:        tx.Currency,
		PaymentMethodID: pm.ProviderToken,
		Description:     fmt.Sprintf("Purchase of %s", tx.ListingTitle),
		Metadata: map[string]string{
			"transaction_id": tx.ID,
			"listing_id":     tx.ListingID,
			"buyer_id":       tx.BuyerID,
			"seller_id":      tx.SellerID,
		},
	})
	if err != nil {
		s.logger.Error("Charge failed", zap.String("transaction_id", transactionID), zap.Error(err))
		if markErr := s.transactions.MarkPaymentFailed(context.WithoutCancel(ctx), transactionID, err.Error()); markErr != nil {
			s.logger.Error("Failed to record failed payment", zap.String("transaction_id", transactionID), zap.Error(markErr))
		}
		s.publish(tx.BuyerID, entity.Event{
			Type:          entity.EventPaymentFailed,
			TransactionID: tx.ID,
			Amount:        tx.TotalAmount,
			Currency:      tx.Currency,
			Reason:        err.Error(),
		})
		return nil, wrapProviderError("payment failed", err)
	}

	if charge.Status == provider.StatusPending {
		s.logger.Info("Charge awaits buyer confirmation",
			zap.String("transaction_id", transactionID),
			zap.String("payment_id", charge.ID))
		return &entity.PaymentResult{
			TransactionID: tx.ID,
			PaymentID:     charge.ID,
			Amount:        tx.TotalAmount,
			Currency:      tx.Currency,
			ReceiptURL:    charge.ReceiptURL,
			Status:        entity.PaymentProcessing,
		}, nil
	}

	if err := s.completePayment(ctx, tx, charge.ID); err != nil {
		return nil, err
	}
	return &entity.PaymentResult{
		TransactionID: tx.ID,
		PaymentID:     charge.ID,
		Amount:        tx.TotalAmount,
		Currency:      tx.Currency,
		ReceiptURL:    charge.ReceiptURL,
		Status:        entity.PaymentCompleted,
	}, nil
}

// completePayment records a charge the provider has confirmed. A failure
// here leaves money taken but unrecorded, which an operator has to settle
// against the provider.
func (s *PaymentService) completePayment(ctx context.Context, tx *entity.Transaction, paymentID string) error {
	if err := s.transactions.MarkPaid(context.WithoutCancel(ctx), tx.ID, paymentID); err != nil {
		s.logger.Error("Charge succeeded but could not be recorded",
			zap.String("transaction_id", tx.ID),
			zap.String("payment_id", paymentID),
			zap.Bool("reconciliation_required", true),
			zap.Error(err))
		return err
	}

	event := entity.Event{
		Type:          entity.EventPaymentCompleted,
		TransactionID: tx.ID,
		Amount:        tx.TotalAmount,
		Currency:      tx.Currency,
	}
	s.publish(tx.BuyerID, event)
	s.publish(tx.SellerID, event)

	s.logger.Info("Payment completed", zap.String("transaction_id", tx.ID), zap.String("payment_id", paymentID))
	return nil
}

// ProcessRefund returns the full transaction amount through the provider
// that took the payment.
func (s *PaymentService) ProcessRefund(ctx context.Context, transactionID, reason string) (*entity.RefundResult, error) {
	s.logger.Info("Processing refund", zap.String("transaction_id", transactionID))

	tx, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch {
	case tx.Status == entity.TransactionRefunded:
		return nil, entity.StateError("transaction %s is already refunded", transactionID)
	case tx.Status == entity.TransactionRefunding:
		return nil, entity.StateError("transaction %s is already being refunded", transactionID)
	case tx.PaymentStatus != entity.PaymentCompleted:
		return nil, entity.StateError("transaction %s has not been paid (payment status %s)", transactionID, tx.PaymentStatus)
	case !tx.CanRefund():
		return nil, entity.StateError("transaction %s has no payment to refund", transactionID)
	}

	p, err := s.providers.ResolveName(tx.Provider)
	if err != nil {
		return nil, err
	}

	won, err := s.transactions.MarkRefunding(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, entity.StateError("transaction %s is already being refunded", transactionID)
	}

	reason = s.sanitize(reason)
	refund, err := p.Refund(ctx, &provider.RefundRequest{
		TransactionID: tx.PaymentID,
		Amount:        tx.TotalAmount,
		Reason:        reason,
	})
	if err != nil {
		s.logger.Error("Refund failed", zap.String("transaction_id", transactionID), zap.Error(err))
		if releaseErr := s.transactions.ReleaseRefund(context.WithoutCancel(ctx), transactionID); releaseErr != nil {
			s.logger.Error("Failed to release refund claim", zap.String("transaction_id", transactionID), zap.Error(releaseErr))
		}
		return nil, wrapProviderError("refund failed", err)
	}

	if err := s.transactions.MarkRefunded(context.WithoutCancel(ctx), transactionID, refund.ID, reason); err != nil {
		s.logger.Error("Refund succeeded but could not be recorded",
			zap.String("transaction_id", transactionID),
			zap.String("refund_id", refund.ID),
			zap.Bool("reconciliation_required", true),
			zap.Error(err))
		return nil, err
	}

	event := entity.Event{
		Type:          entity.EventPaymentRefunded,
		TransactionID: tx.ID,
		Amount:        tx.TotalAmount,
		Currency:      tx.Currency,
		Reason:        reason,
	}
	s.publish(tx.BuyerID, event)
	s.publish(tx.SellerID, event)

	s.logger.Info("Refund completed", zap.String("transaction_id", transactionID), zap.String("refund_id", refund.ID))
	return &entity.RefundResult{
		TransactionID: tx.ID,
		RefundID:      refund.ID,
		Amount:        tx.TotalAmount,
		Reason:        reason,
	}, nil
}

func (s *PaymentService) GetSellerBalance(ctx context.Context, sellerID string) (*entity.SellerBalance, error) {
	balance, err := s.balances.GetSellerBalance(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	balance.Currency = s.opts.Currency
	return balance, nil
}

// RequestPayout schedules a payout of amount, or of the whole available
// balance when amount is nil.
func (s *PaymentService) RequestPayout(ctx context.Context, sellerID string, amount *decimal.Decimal) (*entity.Payout, error) {
	s.logger.Info("Requesting payout", zap.String("seller_id", sellerID))

	if strings.TrimSpace(sellerID) == "" {
		return nil, entity.ValidationError("seller id is required")
	}

	balance, err := s.balances.GetSellerBalance(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	eligibility, err := s.balances.CanRequestPayout(ctx, sellerID, balance.Available)
	if err != nil {
		return nil, err
	}
	if !eligibility.Eligible {
		return nil, entity.PolicyError("%s", eligibility.Reason)
	}

	requested := balance.Available
	if amount != nil {
		if err := validateAmount(*amount); err != nil {
			return nil, err
		}
		requested = *amount
	}
	if requested.GreaterThan(balance.Available) {
		return nil, entity.PolicyError("requested amount %s exceeds available balance %s",
			requested.StringFixed(2), balance.Available.StringFixed(2))
	}
	if requested.LessThan(s.opts.MinimumPayout) {
		return nil, entity.PolicyError("minimum payout amount is %s", s.opts.MinimumPayout.StringFixed(2))
	}

	fee := requested.Mul(s.opts.FeeRate).Round(2)
	payout := &entity.Payout{
		SellerID:     sellerID,
		Amount:       requested,
		FeeAmount:    fee,
		NetAmount:    requested.Sub(fee),
		Currency:     s.opts.Currency,
		PayoutMethod: entity.PayoutMethodBankAccount,
		Provider:     string(provider.KindMock),
		Status:       entity.PayoutPending,
		ScheduledFor: s.opts.Now().Add(s.opts.PayoutDelay),
		Metadata: map[string]string{
			"available_balance": balance.Available.StringFixed(2),
		},
	}
	if err := s.payouts.Create(ctx, payout); err != nil {
		s.logger.Error("Failed to create payout", zap.String("seller_id", sellerID), zap.Error(err))
		return nil, err
	}

	s.publish(sellerID, entity.Event{
		Type:     entity.EventPayoutRequested,
		PayoutID: payout.ID,
		Amount:   payout.Amount,
		Currency: payout.Currency,
	})

	s.logger.Info("Payout requested",
		zap.String("payout_id", payout.ID),
		zap.String("amount", payout.Amount.StringFixed(2)),
		zap.Time("scheduled_for", payout.ScheduledFor))
	return payout, nil
}

// ProcessPayout sends the net amount of a pending payout to the seller.
// Failed payouts are marked retryable.
func (s *PaymentService) ProcessPayout(ctx context.Context, payoutID string) (*entity.PayoutResult, error) {
	s.logger.Info("Processing payout", zap.String("payout_id", payoutID))

	payout, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != entity.PayoutPending {
		return nil, entity.StateError("payout %s is %s, only pending payouts can be processed", payoutID, payout.Status)
	}

	p, err := s.providers.ResolveName(payout.Provider)
	if err != nil {
		return nil, err
	}

	won, err := s.payouts.MarkProcessing(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, entity.StateError("payout %s is already being processed", payoutID)
	}

	res, err := p.Payout(ctx, &provider.PayoutRequest{
		Amount:      payout.NetAmount,
		Currency:    payout.Currency,
		Destination: fmt.Sprintf("seller %s bank account", payout.SellerID),
		Description: fmt.Sprintf("Marketplace payout %s", payout.ID),
		Metadata: map[string]string{
			"payout_id": payout.ID,
			"seller_id": payout.SellerID,
		},
	})
	if err != nil {
		s.logger.Error("Payout failed", zap.String("payout_id", payoutID), zap.Error(err))
		if markErr := s.payouts.MarkFailed(context.WithoutCancel(ctx), payoutID, err.Error(), true); markErr != nil {
			s.logger.Error("Failed to record failed payout", zap.String("payout_id", payoutID), zap.Error(markErr))
		}
		s.publish(payout.SellerID, entity.Event{
			Type:     entity.EventPayoutFailed,
			PayoutID: payout.ID,
			Amount:   payout.NetAmount,
			Currency: payout.Currency,
			Reason:   err.Error(),
		})
		return nil, wrapProviderError("payout failed", err)
	}

	if err := s.payouts.MarkCompleted(context.WithoutCancel(ctx), payoutID, res.ID); err != nil {
		s.logger.Error("Payout succeeded but could not be recorded",
			zap.String("payout_id", payoutID),
			zap.String("provider_payout_id", res.ID),
			zap.Bool("reconciliation_required", true),
			zap.Error(err))
		return nil, err
	}

	s.publish(payout.SellerID, entity.Event{
		Type:     entity.EventPayoutCompleted,
		PayoutID: payout.ID,
		Amount:   payout.NetAmount,
		Currency: payout.Currency,
	})

	s.logger.Info("Payout completed", zap.String("payout_id", payoutID), zap.String("provider_payout_id", res.ID))
	return &entity.PayoutResult{
		PayoutID:         payout.ID,
		ProviderPayoutID: res.ID,
		NetAmount:        payout.NetAmount,
		Status:           entity.PayoutCompleted,
		ArrivalDate:      res.ArrivalDate,
	}, nil
}

func (s *PaymentService) GetPayout(ctx context.Context, payoutID string) (*entity.Payout, error) {
	return s.payouts.GetByID(ctx, payoutID)
}

func (s *PaymentService) ListPayouts(ctx context.Context, sellerID string, limit int) ([]*entity.Payout, error) {
	if limit <= 0 {
		limit = defaultPayoutListLimit
	}
	if limit > maxPayoutListLimit {
		limit = maxPayoutListLimit
	}
	return s.payouts.ListBySeller(ctx, sellerID, limit)
}

func (s *PaymentService) GetAvailableProviders() []string {
	kinds := s.providers.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	return names
}

func (s *PaymentService) IsProviderAvailable(name string) bool {
	if name == "" {
		return false
	}
	kind, err := provider.ParseKind(name)
	if err != nil {
		return false
	}
	return s.providers.Has(kind)
}

// HandleWebhook verifies a provider callback and settles the charge it
// reports on. Callbacks that carry no charge outcome are only acknowledged.
func (s *PaymentService) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) (*entity.WebhookEvent, error) {
	p, err := s.providers.ResolveName(providerName)
	if err != nil {
		return nil, err
	}
	if s.opts.WebhookSecret == "" {
		return nil, entity.PolicyError("webhooks are not configured")
	}
	if !p.ValidateWebhookSignature(payload, signature, s.opts.WebhookSecret) {
		s.logger.Warn("Rejected webhook with invalid signature", zap.String("provider", providerName))
		return nil, entity.ValidationError("invalid webhook signature")
	}

	event, err := decodeWebhook(payload)
	if err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, entity.ValidationError("webhook event type is required")
	}
	event.Provider = string(p.Kind())

	s.logger.Info("Webhook received",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	st, ok := settlementOf(event)
	if !ok {
		return event, nil
	}
	event.TransactionID = st.transactionID
	if err := s.settle(ctx, p, st); err != nil {
		return nil, err
	}
	event.Applied = true
	return event, nil
}

// settlement is the charge outcome a provider callback reports.
type settlement struct {
	transactionID string
	paymentID     string
	paid          bool
	amount        *decimal.Decimal
	reason        string
}

// settlementOf extracts a charge outcome. Wallet notifications carry the
// transaction id as their label; JSON callbacks name it in data.
func settlementOf(event *entity.WebhookEvent) (*settlement, bool) {
	switch event.Type {
	case "p2p-incoming", "card-incoming":
		label := dataString(event.Data, "label")
		if label == "" || dataString(event.Data, "codepro") == "true" || dataString(event.Data, "unaccepted") == "true" {
			return nil, false
		}
		st := &settlement{transactionID: label, paymentID: event.ID, paid: true}
		paid := dataString(event.Data, "withdraw_amount")
		if paid == "" {
			paid = dataString(event.Data, "amount")
		}
		if d, err := decimal.NewFromString(paid); err == nil {
			st.amount = &d
		}
		return st, true
	case "charge.succeeded", "charge.failed":
		txID := dataString(event.Data, "transaction_id")
		if txID == "" {
			return nil, false
		}
		st := &settlement{
			transactionID: txID,
			paymentID:     dataString(event.Data, "id"),
			paid:          event.Type == "charge.succeeded",
			reason:        dataString(event.Data, "failure_message"),
		}
		if d, err := decimal.NewFromString(dataString(event.Data, "amount")); err == nil {
			st.amount = &d
		}
		return st, true
	default:
		return nil, false
	}
}

func (s *PaymentService) settle(ctx context.Context, p provider.Provider, st *settlement) error {
	tx, err := s.transactions.GetByID(ctx, st.transactionID)
	if err != nil {
		return err
	}
	if tx.Provider != string(p.Kind()) {
		return entity.ValidationError("transaction %s was not charged through %s", tx.ID, p.Kind())
	}

	switch {
	case st.paid && tx.PaymentStatus == entity.PaymentCompleted,
		!st.paid && tx.PaymentStatus == entity.PaymentFailed:
		s.logger.Info("Duplicate webhook ignored", zap.String("transaction_id", tx.ID))
		return nil
	case tx.PaymentStatus != entity.PaymentProcessing:
		return entity.StateError("transaction %s is not awaiting payment (payment status %s)", tx.ID, tx.PaymentStatus)
	}

	if !st.paid {
		reason := st.reason
		if reason == "" {
			reason = "payment was not completed"
		}
		if err := s.transactions.MarkPaymentFailed(ctx, tx.ID, reason); err != nil {
			return err
		}
		s.publish(tx.BuyerID, entity.Event{
			Type:          entity.EventPaymentFailed,
			TransactionID: tx.ID,
			Amount:        tx.TotalAmount,
			Currency:      tx.Currency,
			Reason:        reason,
		})
		return nil
	}

	if st.paymentID == "" {
		return entity.ValidationError("webhook for transaction %s carries no payment id", tx.ID)
	}
	if st.amount != nil && st.amount.LessThan(tx.TotalAmount) {
		return entity.ValidationError("paid amount %s is less than transaction total %s",
			st.amount.StringFixed(2), tx.TotalAmount.StringFixed(2))
	}
	return s.completePayment(ctx, tx, st.paymentID)
}

func dataString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// decodeWebhook accepts JSON bodies and form-encoded notifications such as
// the ones YooMoney sends.
func decodeWebhook(payload []byte) (*entity.WebhookEvent, error) {
	var event entity.WebhookEvent
	jsonErr := json.Unmarshal(payload, &event)
	if jsonErr == nil {
		return &event, nil
	}

	form, err := url.ParseQuery(string(payload))
	if err != nil || form.Get("notification_type") == "" {
		return nil, entity.ValidationError("malformed webhook payload: %v", jsonErr)
	}
	data := make(map[string]any, len(form))
	for key := range form {
		data[key] = form.Get(key)
	}
	return &entity.WebhookEvent{
		ID:   form.Get("operation_id"),
		Type: form.Get("notification_type"),
		Data: data,
	}, nil
}

func (s *PaymentService) publish(userID string, event entity.Event) {
	if s.notifier == nil || userID == "" {
		return
	}
	event.OccurredAt = s.opts.Now()
	if err := s.notifier.Publish(userID, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("user_id", userID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

// checkUsable keeps an inactive method indistinguishable from a missing one.
func (s *PaymentService) checkUsable(pm *entity.PaymentMethod) error {
	if pm.Usable(s.opts.Now()) {
		return nil
	}
	if !pm.IsActive {
		return entity.NotFoundError("payment method %s not found", pm.ID)
	}
	return entity.ValidationError("payment method %s has expired", pm.ID)
}

func (s *PaymentService) sanitize(text string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(text))
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return entity.ValidationError("amount must be positive")
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return entity.ValidationError("amount must have at most two decimal places")
	}
	return nil
}

// wrapProviderError reports provider request rejections as validation
// errors and everything else as provider errors.
func wrapProviderError(message string, err error) error {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Code == provider.CodeInvalidRequest {
		return entity.WrapError(entity.KindValidation, message, err)
	}
	return entity.WrapError(entity.KindProvider, message, err)
}
