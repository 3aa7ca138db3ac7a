package yoomoney

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/provider"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	statusSuccess    = "success"
	statusRefused    = "refused"
	statusInProgress = "in_progress"
)

// Client talks to the YooMoney wallet API. Charges and payouts are p2p
// transfers identified by a label we generate.
type Client struct {
	httpClient *http.Client
	authToken  string
	receiver   string
	baseURL    string
	now        func() time.Time
}

func New(cfg *config.Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		authToken:  cfg.Yoomoney.Token,
		receiver:   cfg.Yoomoney.Receiver,
		baseURL:    strings.TrimRight(cfg.Yoomoney.BaseURL, "/"),
		now:        time.Now,
	}
}

func (c *Client) Kind() provider.Kind {
	return provider.KindYooMoney
}

// CreatePaymentMethod registers a wallet account. The account number is
// passed in CardNumber; wallets never expire.
func (c *Client) CreatePaymentMethod(ctx context.Context, req *provider.PaymentMethodRequest) (*provider.PaymentMethodResult, error) {
	if req == nil {
		return nil, provider.NewError(provider.CodeInvalidRequest, "wallet details are required")
	}
	account := strings.ReplaceAll(req.CardNumber, " ", "")
	if len(account) < 11 || len(account) > 20 || strings.Trim(account, "0123456789") != "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid wallet account number")
	}
	return &provider.PaymentMethodResult{
		ID:         account,
		Brand:      "yoomoney",
		Last4:      account[len(account)-4:],
		HolderName: req.HolderName,
		Created:    c.now(),
	}, nil
}

// Charge issues a quickpay invoice into the marketplace wallet. The buyer
// pays through ReceiptURL, so the charge stays pending until the wallet
// notification for its label arrives. The label is the transaction id when
// the caller supplies one.
func (c *Client) Charge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	if req == nil || !req.Amount.IsPositive() {
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid amount")
	}
	if req.PaymentMethodID == "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "payment method is required")
	}
	if c.receiver == "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "receiver wallet is not configured")
	}

	label := req.Metadata["transaction_id"]
	if label == "" {
		label = uuid.NewString()
	}
	receipt, err := c.QuickPayURL(c.receiver, req.Description, label, req.Amount)
	if err != nil {
		return nil, err
	}
	return &provider.ChargeResult{
		ID:              label,
		Status:          provider.StatusPending,
		Amount:          req.Amount,
		Currency:        currencyOrDefault(req.Currency),
		PaymentMethodID: req.PaymentMethodID,
		ReceiptURL:      receipt,
		Created:         c.now(),
	}, nil
}

// Refund is not offered by the wallet API.
func (c *Client) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.RefundResult, error) {
	return nil, provider.NewError(provider.CodeUnsupported, "refunds are not supported by yoomoney")
}

func (c *Client) Payout(ctx context.Context, req *provider.PayoutRequest) (*provider.PayoutResult, error) {
	if req == nil || !req.Amount.IsPositive() {
		return nil, provider.NewError(provider.CodeInvalidRequest, "invalid amount")
	}
	if req.Destination == "" {
		return nil, provider.NewError(provider.CodeInvalidRequest, "payout destination is required")
	}

	label := uuid.NewString()
	if err := c.transfer(ctx, req.Destination, label, req.Amount, req.Description); err != nil {
		return nil, err
	}

	now := c.now()
	return &provider.PayoutResult{
		ID:          label,
		Status:      provider.StatusPaid,
		Amount:      req.Amount,
		Currency:    currencyOrDefault(req.Currency),
		Destination: req.Destination,
		ArrivalDate: now,
		Created:     now,
	}, nil
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*provider.ChargeResult, error) {
	op, err := c.lookup(ctx, id, "deposition")
	if err != nil {
		return nil, err
	}
	return &provider.ChargeResult{
		ID:       id,
		Status:   chargeStatus(op.Status),
		Amount:   decimal.NewFromFloat(op.Amount).Round(2),
		Currency: "RUB",
		Created:  op.DateTime,
	}, nil
}

func (c *Client) GetPayout(ctx context.Context, id string) (*provider.PayoutResult, error) {
	op, err := c.lookup(ctx, id, "payment")
	if err != nil {
		return nil, err
	}
	status := chargeStatus(op.Status)
	if status == provider.StatusSucceeded {
		status = provider.StatusPaid
	}
	return &provider.PayoutResult{
		ID:          id,
		Status:      status,
		Amount:      decimal.NewFromFloat(op.Amount).Round(2),
		Currency:    "RUB",
		ArrivalDate: op.DateTime,
		Created:     op.DateTime,
	}, nil
}

// ValidateWebhookSignature checks an HTTP notification: payload is the
// form-encoded body and signature its sha1_hash field (read from the body
// when empty).
func (c *Client) ValidateWebhookSignature(payload []byte, signature, secret string) bool {
	form, err := url.ParseQuery(string(payload))
	if err != nil || secret == "" {
		return false
	}
	if signature == "" {
		signature = form.Get("sha1_hash")
	}
	if signature == "" {
		return false
	}

	fields := []string{
		form.Get("notification_type"),
		form.Get("operation_id"),
		form.Get("amount"),
		form.Get("currency"),
		form.Get("datetime"),
		form.Get("sender"),
		form.Get("codepro"),
		secret,
		form.Get("label"),
	}
	sum := sha1.Sum([]byte(strings.Join(fields, "&")))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

// QuickPayURL builds a quickpay form link for a transfer into receiver.
func (c *Client) QuickPayURL(receiver, target, label string, amount decimal.Decimal) (string, error) {
	if receiver == "" || !amount.IsPositive() {
		return "", provider.NewError(provider.CodeInvalidRequest, "receiver and amount must be valid")
	}

	params := url.Values{}
	params.Set("receiver", receiver)
	params.Set("quickpay-form", "shop")
	params.Set("paymentType", "AC")
	params.Set("sum", amount.StringFixed(2))
	params.Set("targets", target)
	if label != "" {
		params.Set("label", label)
	}
	return c.baseURL + "/quickpay/confirm?" + params.Encode(), nil
}

func (c *Client) transfer(ctx context.Context, to, label string, amount decimal.Decimal, comment string) error {
	payload := url.Values{}
	payload.Set("pattern_id", "p2p")
	payload.Set("to", to)
	payload.Set("amount", amount.StringFixed(2))
	payload.Set("comment", comment)
	payload.Set("message", comment)
	payload.Set("label", label)

	raw, err := c.post(ctx, "/api/request-payment", payload)
	if err != nil {
		return err
	}

	var result struct {
		Status           string `json:"status"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return provider.NewError(provider.CodeUpstream, fmt.Sprintf("response parsing error: %v", err))
	}

	switch result.Status {
	case statusSuccess:
		return nil
	case statusRefused:
		perr := provider.NewError(refusalCode(result.Error), "transfer refused")
		perr.Details = result.Error
		if result.ErrorDescription != "" {
			perr.Details += " (" + result.ErrorDescription + ")"
		}
		return perr
	default:
		return provider.NewError(provider.CodeUpstream, fmt.Sprintf("unexpected status: %q", result.Status))
	}
}

type operation struct {
	Status   string    `json:"status"`
	Amount   float64   `json:"amount"`
	DateTime time.Time `json:"datetime"`
}

func (c *Client) lookup(ctx context.Context, label, opType string) (*operation, error) {
	data := url.Values{}
	data.Set("label", label)
	data.Set("records", "1")
	data.Set("type", opType)

	raw, err := c.post(ctx, "/api/operation-history", data)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Error      string      `json:"error"`
		Operations []operation `json:"operations"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, provider.NewError(provider.CodeUpstream, fmt.Sprintf("invalid JSON structure: %v", err))
	}
	if parsed.Error != "" {
		return nil, provider.NewError(provider.CodeUpstream, fmt.Sprintf("API error: %s", parsed.Error))
	}
	if len(parsed.Operations) == 0 {
		return nil, provider.NewError(provider.CodeNotFound, fmt.Sprintf("no operation found for label: %s", label))
	}
	return &parsed.Operations[0], nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		perr := provider.NewError(provider.CodeUpstream, fmt.Sprintf("unexpected status: %s", resp.Status))
		perr.Details = string(raw)
		return nil, perr
	}
	return raw, nil
}

func refusalCode(apiError string) string {
	switch {
	case apiError == "not_enough_funds":
		return provider.CodeInsufficientFunds
	case strings.HasPrefix(apiError, "illegal_param"):
		return provider.CodeInvalidRequest
	default:
		return provider.CodeCardDeclined
	}
}

func chargeStatus(opStatus string) string {
	switch opStatus {
	case statusSuccess:
		return provider.StatusSucceeded
	case statusInProgress:
		return provider.StatusPending
	default:
		return provider.StatusFailed
	}
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "RUB"
	}
	return currency
}
