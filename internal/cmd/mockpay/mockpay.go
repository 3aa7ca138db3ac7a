package mockpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/provider"
)

// Payment method ids containing these markers always decline, so callers
// can exercise failure paths without relying on FailureRate.
const (
	TestCardInsufficientFunds = "pm_card_insufficient_funds"
	TestCardIncorrectCVC      = "pm_card_incorrect_cvc"

	markerInsufficientFunds = "insufficient_funds"
	markerIncorrectCVC      = "incorrect_cvc"
)

const (
	prefixPaymentMethod = "mock_pm"
	prefixCharge        = "mock_txn"
	prefixRefund        = "mock_re"
	prefixPayout        = "mock_po"
)

// Random is the source of randomness behind simulated failures and ids.
// *rand.Rand from math/rand/v2 satisfies it.
type Random interface {
	Float64() float64
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

type Options struct {
	// Delay is awaited before every operation to emulate network latency.
	Delay time.Duration
	// FailureRate in [0,1] is the share of charges and payouts that decline.
	FailureRate float64
	Random      Random
	Now         func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Delay:       cfg.Mock.Delay,
		FailureRate: cfg.Mock.FailureRate,
	}
}

// Client is a simulated card network. Ids are best-effort unique
// (time + randomness) and must not be reused as a real id scheme.
type Client struct {
	opts Options

	mu      sync.RWMutex
	charges map[string]*provider.ChargeResult
	payouts map[string]*provider.PayoutResult
}

func New(opts Options) *Client {
	if opts.Random == nil {
		opts.Random = globalRand{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		opts:    opts,
		charges: make(map[string]*provider.ChargeResult),
		payouts: make(map[string]*provider.PayoutResult),
	}
}

func (c *Client) Kind() provider.Kind {
	return provider.KindMock
}

// DetectBrand maps a card number prefix to its network.
func DetectBrand(number string) string {
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case len(number) >= 2 && number[0] == '5' && number[1] >= '1' && number[1] <= '5':
		return "mastercard"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case strings.HasPrefix(number, "6011"), strings.HasPrefix(number, "65"):
		return "discover"
	default:
		return "unknown"
	}
}

func (c *Client) CreatePaymentMethod(ctx context.Context, req *provider.PaymentMethodRequest) (*provider.PaymentMethodResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, provider.NewError(provider.CodeInvalidRequest, "payment method details are required")
	}

	number := strings.ReplaceAll(req.CardNumber, " ", "")
	now := c.opts.Now()
	switch {
	case len(number) < 13:
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid card number")
	case req.ExpMonth < 1 || req.ExpMonth > 12:
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid expiry month")
	case req.ExpYear < now.Year():
		return nil, provider.NewError(provider.CodeInvalidRequest, "card expiry year is in the past")
	case len(req.CVC) < 3:
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid CVC")
	}

	return &provider.PaymentMethodResult{
		ID:         c.newID(prefixPaymentMethod),
		Brand:      DetectBrand(number),
		Last4:      number[len(number)-4:],
		ExpMonth:   req.ExpMonth,
		ExpYear:    req.ExpYear,
		HolderName: req.HolderName,
		Created:    now,
	}, nil
}

func (c *Client) Charge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if req == nil || !req.Amount.IsPositive() {
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid amount")
	}
	if req.PaymentMethodID == "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "payment method is required")
	}
	if strings.Contains(req.PaymentMethodID, markerInsufficientFunds) {
		return nil, provider.NewError(provider.CodeInsufficientFunds, "your card has insufficient funds")
	}
	if strings.Contains(req.PaymentMethodID, markerIncorrectCVC) {
		return nil, provider.NewError(provider.CodeIncorrectCVC, "your card's security code is incorrect")
	}
	if c.shouldFail() {
		return nil, provider.NewError(provider.CodeCardDeclined, "your card was declined")
	}

	id := c.newID(prefixCharge)
	res := &provider.ChargeResult{
		ID:              id,
		Status:          provider.StatusSucceeded,
		Amount:          req.Amount,
		Currency:        currencyOrDefault(req.Currency),
		PaymentMethodID: req.PaymentMethodID,
		ReceiptURL:      fmt.Sprintf("https://mock-payments.local/receipts/%s", id),
		Created:         c.opts.Now(),
	}

	c.mu.Lock()
	c.charges[id] = res
	c.mu.Unlock()

	return res, nil
}

func (c *Client) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.TransactionID == "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "transaction id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid amount")
	}

	c.mu.RLock()
	charge, known := c.charges[req.TransactionID]
	c.mu.RUnlock()
	if known && req.Amount.GreaterThan(charge.Amount) {
		return nil, provider.NewError(provider.CodeInvalidRequest, "refund exceeds charged amount")
	}

	return &provider.RefundResult{
		ID:            c.newID(prefixRefund),
		Status:        provider.StatusSucceeded,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Created:       c.opts.Now(),
	}, nil
}

func (c *Client) Payout(ctx context.Context, req *provider.PayoutRequest) (*provider.PayoutResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if req == nil || !req.Amount.IsPositive() {
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid amount")
	}
	if req.Destination == "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "payout destination is required")
	}
	if c.shouldFail() {
		return nil, provider.NewError(provider.CodeUpstream, "payout was rejected by the bank")
	}

	now := c.opts.Now()
	id := c.newID(prefixPayout)
	res := &provider.PayoutResult{
		ID:          id,
		Status:      provider.StatusPaid,
		Amount:      req.Amount,
		Currency:    currencyOrDefault(req.Currency),
		Destination: req.Destination,
		ArrivalDate: now.Add(48 * time.Hour),
		Created:     now,
	}

	c.mu.Lock()
	c.payouts[id] = res
	c.mu.Unlock()

	return res, nil
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*provider.ChargeResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.charges[id]
	if !ok {
		return nil, provider.NewError(provider.CodeNotFound, fmt.Sprintf("no such charge: %s", id))
	}
	return res, nil
}

func (c *Client) GetPayout(ctx context.Context, id string) (*provider.PayoutResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.payouts[id]
	if !ok {
		return nil, provider.NewError(provider.CodeNotFound, fmt.Sprintf("no such payout: %s", id))
	}
	return res, nil
}

// ValidateWebhookSignature checks a hex encoded HMAC-SHA256 of payload.
func (c *Client) ValidateWebhookSignature(payload []byte, signature, secret string) bool {
	return ValidSignature(payload, signature, secret)
}

func ValidSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(payload, secret))
}

func Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func (c *Client) wait(ctx context.Context) error {
	if c.opts.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.opts.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) shouldFail() bool {
	return c.opts.FailureRate > 0 && c.opts.Random.Float64() < c.opts.FailureRate
}

// newID builds {prefix}_{epoch-millis}_{random-base36}.
func (c *Client) newID(prefix string) string {
	const space = 36 * 36 * 36 * 36 * 36 * 36 * 36 * 36 * 36
	suffix := strconv.FormatInt(c.opts.Random.Int64N(space), 36)
	return fmt.Sprintf("%s_%d_%s", prefix, c.opts.Now().UnixMilli(), suffix)
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "USD"
	}
	return currency
}
