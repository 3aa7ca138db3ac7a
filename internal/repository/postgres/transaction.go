package postgres

import (
	"context"
	"fmt"
	"time"

	entity "marketpay/internal/entity"
	"marketpay/internal/repository"
	"marketpay/internal/repository/cache"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const transactionColumns = `id, buyer_id, seller_id, listing_id, listing_title, total_amount::text, currency,
	status, payment_status, payment_id, payment_method_id, provider, failure_reason,
	refund_id, refund_reason, refunded_at, created_at, updated_at`

type TransactionRepository struct {
	db     *pgxpool.Pool
	cache  *cache.Cache
	logger *zap.Logger
}

func NewTransactionRepository(db *pgxpool.Pool, cache *cache.Cache, logger *zap.Logger) repository.TransactionRepository {
	return &TransactionRepository{
		db:     db,
		cache:  cache,
		logger: logger.With(zap.String("component", "transaction_repository")),
	}
}

func scanTransaction(row pgx.Row) (*entity.Transaction, error) {
	var (
		tx    entity.Transaction
		total string
	)
	err := row.Scan(
		&tx.ID,
		&tx.BuyerID,
		&tx.SellerID,
		&tx.ListingID,
		&tx.ListingTitle,
		&total,
		&tx.Currency,
		&tx.Status,
		&tx.PaymentStatus,
		&tx.PaymentID,
		&tx.PaymentMethodID,
		&tx.Provider,
		&tx.FailureReason,
		&tx.RefundID,
		&tx.RefundReason,
		&tx.RefundedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tx.TotalAmount, err = parseAmount("total_amount", total); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) Create(ctx context.Context, tx *entity.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	query := `INSERT INTO transactions
	(id, buyer_id, seller_id, listing_id, listing_title, total_amount, currency, status, payment_status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, NOW(), NOW())
	RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		tx.ID, tx.BuyerID, tx.SellerID, tx.ListingID, tx.ListingTitle,
		tx.TotalAmount.StringFixed(2), tx.Currency, tx.Status, tx.PaymentStatus,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create transaction",
			zap.String("buyer_id", tx.BuyerID),
			zap.String("seller_id", tx.SellerID),
			zap.String("listing_id", tx.ListingID),
			zap.Error(err))
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*entity.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	key := cache.TransactionKey(id)
	var cached entity.Transaction
	if r.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		err = notFoundOr(err, "transaction %s not found", id)
		if !entity.IsKind(err, entity.KindNotFound) {
			r.logger.Error("failed to fetch transaction", zap.String("transaction_id", id), zap.Error(err))
			return nil, fmt.Errorf("failed to fetch transaction %s: %w", id, err)
		}
		return nil, err
	}

	r.cache.Set(ctx, key, tx)
	return tx, nil
}

func (r *TransactionRepository) MarkProcessing(ctx context.Context, id, paymentMethodID, provider string) (bool, error) {
	chargeable := make([]string, len(entity.Chargeable))
	for i, s := range entity.Chargeable {
		chargeable[i] = string(s)
	}

	query := `UPDATE transactions
	SET payment_status = $2, payment_method_id = $3, provider = $4, failure_reason = '', updated_at = NOW()
	WHERE id = $1 AND status = $5 AND payment_status = ANY($6)`

	return r.exec(ctx, id, "mark transaction processing", query,
		id, entity.PaymentProcessing, paymentMethodID, provider, entity.TransactionPending, chargeable)
}

func (r *TransactionRepository) MarkPaid(ctx context.Context, id, paymentID string) error {
	query := `UPDATE transactions
	SET payment_status = $2, status = $3, payment_id = $4, updated_at = NOW()
	WHERE id = $1 AND payment_status = $5`

	ok, err := r.exec(ctx, id, "mark transaction paid", query,
		id, entity.PaymentCompleted, entity.TransactionPaid, paymentID, entity.PaymentProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return entity.StateError("transaction %s is no longer processing", id)
	}
	return nil
}

func (r *TransactionRepository) MarkPaymentFailed(ctx context.Context, id, reason string) error {
	query := `UPDATE transactions
	SET payment_status = $2, failure_reason = $3, updated_at = NOW()
	WHERE id = $1 AND payment_status = $4`

	ok, err := r.exec(ctx, id, "mark transaction payment failed", query,
		id, entity.PaymentFailed, reason, entity.PaymentProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return entity.StateError("transaction %s is no longer processing", id)
	}
	return nil
}

func (r *TransactionRepository) MarkRefunding(ctx context.Context, id string) (bool, error) {
	query := `UPDATE transactions
	SET status = $2, updated_at = NOW()
	WHERE id = $1 AND status = $3 AND payment_status = $4 AND payment_id <> ''`

	return r.exec(ctx, id, "mark transaction refunding", query,
		id, entity.TransactionRefunding, entity.TransactionPaid, entity.PaymentCompleted)
}

func (r *TransactionRepository) ReleaseRefund(ctx context.Context, id string) error {
	query := `UPDATE transactions
	SET status = $2, updated_at = NOW()
	WHERE id = $1 AND status = $3`

	ok, err := r.exec(ctx, id, "release transaction refund", query,
		id, entity.TransactionPaid, entity.TransactionRefunding)
	if err != nil {
		return err
	}
	if !ok {
		return entity.StateError("transaction %s is not being refunded", id)
	}
	return nil
}

func (r *TransactionRepository) MarkRefunded(ctx context.Context, id, refundID, reason string) error {
	query := `UPDATE transactions
	SET status = $2, refund_id = $3, refund_reason = $4, refunded_at = NOW(), updated_at = NOW()
	WHERE id = $1 AND status = $5`

	ok, err := r.exec(ctx, id, "mark transaction refunded", query,
		id, entity.TransactionRefunded, refundID, reason, entity.TransactionRefunding)
	if err != nil {
		return err
	}
	if !ok {
		return entity.StateError("transaction %s is not being refunded", id)
	}
	return nil
}

// exec runs a guarded status update, reports whether a row changed and
// drops the cached copy of the transaction.
func (r *TransactionRepository) exec(ctx context.Context, id, op, query string, args ...any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to "+op, zap.String("transaction_id", id), zap.Error(err))
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	r.cache.Invalidate(ctx, cache.TransactionKey(id))
	return tag.RowsAffected() == 1, nil
}
