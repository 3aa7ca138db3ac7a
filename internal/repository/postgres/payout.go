package postgres

import (
	"context"
	"fmt"
	"time"

	entity "marketpay/internal/entity"
	"marketpay/internal/repository/cache"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const payoutColumns = `id, seller_id, amount::text, fee_amount::text, net_amount::text, currency,
	payout_method, provider, status, provider_payout_id, failure_reason, retryable,
	scheduled_for, processed_at, metadata, created_at, updated_at`

// PayoutRepository also answers seller balance questions, since balances
// are derived from paid transactions minus payouts.
type PayoutRepository struct {
	db     *pgxpool.Pool
	cache  *cache.Cache
	logger *zap.Logger
}

func NewPayoutRepository(db *pgxpool.Pool, cache *cache.Cache, logger *zap.Logger) *PayoutRepository {
	return &PayoutRepository{
		db:     db,
		cache:  cache,
		logger: logger.With(zap.String("component", "payout_repository")),
	}
}

func scanPayout(row pgx.Row) (*entity.Payout, error) {
	var (
		p                 entity.Payout
		amount, fee, net string
	)
	err := row.Scan(
		&p.ID,
		&p.SellerID,
		&amount,
		&fee,
		&net,
		&p.Currency,
		&p.PayoutMethod,
		&p.Provider,
		&p.Status,
		&p.ProviderPayoutID,
		&p.FailureReason,
		&p.Retryable,
		&p.ScheduledFor,
		&p.ProcessedAt,
		&p.Metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = parseAmount("amount", amount); err != nil {
		return nil, err
	}
	if p.FeeAmount, err = parseAmount("fee_amount", fee); err != nil {
		return nil, err
	}
	if p.NetAmount, err = parseAmount("net_amount", net); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepository) Create(ctx context.Context, p *entity.Payout) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}

	query := `INSERT INTO payouts
	(id, seller_id, amount, fee_amount, net_amount, currency, payout_method, provider, status,
	 scheduled_for, metadata, created_at, updated_at)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.SellerID, p.Amount.StringFixed(2), p.FeeAmount.StringFixed(2), p.NetAmount.StringFixed(2),
		p.Currency, p.PayoutMethod, p.Provider, p.Status, p.ScheduledFor, p.Metadata,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		r.logger.Warn("rejected concurrent payout request", zap.String("seller_id", p.SellerID))
		return entity.PolicyError("a payout is already in progress")
	}
	if err != nil {
		r.logger.Error("failed to create payout",
			zap.String("seller_id", p.SellerID),
			zap.String("amount", p.Amount.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

func (r *PayoutRepository) GetByID(ctx context.Context, id string) (*entity.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	key := cache.PayoutKey(id)
	var cached entity.Payout
	if r.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	p, err := scanPayout(r.db.QueryRow(ctx, query, id))
	if err != nil {
		err = notFoundOr(err, "payout %s not found", id)
		if !entity.IsKind(err, entity.KindNotFound) {
			r.logger.Error("failed to fetch payout", zap.String("payout_id", id), zap.Error(err))
			return nil, fmt.Errorf("failed to fetch payout %s: %w", id, err)
		}
		return nil, err
	}

	r.cache.Set(ctx, key, p)
	return p, nil
}

func (r *PayoutRepository) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*entity.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + payoutColumns + ` FROM payouts
	WHERE seller_id = $1
	ORDER BY created_at DESC
	LIMIT $2`

	rows, err := r.db.Query(ctx, query, sellerID, limit)
	if err != nil {
		r.logger.Error("failed to list payouts", zap.String("seller_id", sellerID), zap.Error(err))
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	payouts := make([]*entity.Payout, 0)
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			r.logger.Error("failed to scan payout row", zap.Error(err))
			return nil, fmt.Errorf("failed to scan payout row: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return payouts, nil
}

func (r *PayoutRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx, `SELECT id FROM payouts
	WHERE status = $1 AND scheduled_for <= $2
	ORDER BY scheduled_for
	LIMIT $3`, entity.PayoutPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due payouts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan due payouts: %w", err)
	}
	return ids, nil
}

func (r *PayoutRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, id, "mark payout processing", `UPDATE payouts
	SET status = $2, updated_at = NOW()
	WHERE id = $1 AND status = $3`, id, entity.PayoutProcessing, entity.PayoutPending)
}

func (r *PayoutRepository) MarkCompleted(ctx context.Context, id, providerPayoutID string) error {
	ok, err := r.exec(ctx, id, "mark payout completed", `UPDATE payouts
	SET status = $2, provider_payout_id = $3, failure_reason = '', retryable = FALSE,
	    processed_at = NOW(), updated_at = NOW()
	WHERE id = $1 AND status = $4`, id, entity.PayoutCompleted, providerPayoutID, entity.PayoutProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return entity.StateError("payout %s is no longer processing", id)
	}
	return nil
}

func (r *PayoutRepository) MarkFailed(ctx context.Context, id, reason string, retryable bool) error {
	ok, err := r.exec(ctx, id, "mark payout failed", `UPDATE payouts
	SET status = $2, failure_reason = $3, retryable = $4, processed_at = NOW(), updated_at = NOW()
	WHERE id = $1 AND status = $5`, id, entity.PayoutFailed, reason, retryable, entity.PayoutProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return entity.StateError("payout %s is no longer processing", id)
	}
	return nil
}

func (r *PayoutRepository) exec(ctx context.Context, id, op, query string, args ...any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to "+op, zap.String("payout_id", id), zap.Error(err))
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	r.cache.Invalidate(ctx, cache.PayoutKey(id))
	return tag.RowsAffected() == 1, nil
}

// GetSellerBalance derives earnings from paid sales. Failed payouts do not
// reduce the balance; pending and processing ones are held back.
func (r *PayoutRepository) GetSellerBalance(ctx context.Context, sellerID string) (*entity.SellerBalance, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT
		COALESCE((SELECT SUM(total_amount) FROM transactions WHERE seller_id = $1 AND status = $2), 0)::text,
		COALESCE((SELECT SUM(amount) FROM payouts WHERE seller_id = $1 AND status = $3), 0)::text,
		COALESCE((SELECT SUM(amount) FROM payouts WHERE seller_id = $1 AND status IN ($4, $5)), 0)::text`

	var earned, paidOut, pending string
	err := r.db.QueryRow(ctx, query, sellerID,
		entity.TransactionPaid, entity.PayoutCompleted, entity.PayoutPending, entity.PayoutProcessing,
	).Scan(&earned, &paidOut, &pending)
	if err != nil {
		r.logger.Error("failed to compute seller balance", zap.String("seller_id", sellerID), zap.Error(err))
		return nil, fmt.Errorf("failed to compute seller balance: %w", err)
	}

	b := &entity.SellerBalance{SellerID: sellerID, Currency: entity.DefaultCurrency}
	if b.TotalEarned, err = parseAmount("total_earned", earned); err != nil {
		return nil, err
	}
	if b.TotalPaidOut, err = parseAmount("total_paid_out", paidOut); err != nil {
		return nil, err
	}
	if b.PendingPayout, err = parseAmount("pending_payout", pending); err != nil {
		return nil, err
	}
	b.Available = decimal.Max(decimal.Zero, b.TotalEarned.Sub(b.TotalPaidOut).Sub(b.PendingPayout))
	return b, nil
}

func (r *PayoutRepository) CanRequestPayout(ctx context.Context, sellerID string, available decimal.Decimal) (*entity.PayoutEligibility, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var inFlight bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(
		SELECT 1 FROM payouts WHERE seller_id = $1 AND status IN ($2, $3)
	)`, sellerID, entity.PayoutPending, entity.PayoutProcessing).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to check payout eligibility: %w", err)
	}

	switch {
	case inFlight:
		return &entity.PayoutEligibility{Reason: "a payout is already in progress"}, nil
	case !available.IsPositive():
		return &entity.PayoutEligibility{Reason: "no available balance"}, nil
	default:
		return &entity.PayoutEligibility{Eligible: true}, nil
	}
}
