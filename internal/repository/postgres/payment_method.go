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

const paymentMethodColumns = `id, user_id, type, provider, provider_token, display_name, brand, last4,
	exp_month, exp_year, holder_name, is_active, is_default, metadata, created_at, updated_at`

type PaymentMethodRepository struct {
	db     *pgxpool.Pool
	cache  *cache.Cache
	logger *zap.Logger
}

func NewPaymentMethodRepository(db *pgxpool.Pool, cache *cache.Cache, logger *zap.Logger) repository.PaymentMethodRepository {
	return &PaymentMethodRepository{
		db:     db,
		cache:  cache,
		logger: logger.With(zap.String("component", "payment_method_repository")),
	}
}

func scanPaymentMethod(row pgx.Row) (*entity.PaymentMethod, error) {
	var pm entity.PaymentMethod
	err := row.Scan(
		&pm.ID,
		&pm.UserID,
		&pm.Type,
		&pm.Provider,
		&pm.ProviderToken,
		&pm.DisplayName,
		&pm.Brand,
		&pm.Last4,
		&pm.ExpMonth,
		&pm.ExpYear,
		&pm.HolderName,
		&pm.IsActive,
		&pm.IsDefault,
		&pm.Metadata,
		&pm.CreatedAt,
		&pm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (r *PaymentMethodRepository) Create(ctx context.Context, pm *entity.PaymentMethod) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if pm.ID == "" {
		pm.ID = uuid.New().String()
	}
	if pm.Metadata == nil {
		pm.Metadata = map[string]string{}
	}

	query := `INSERT INTO payment_methods
	(id, user_id, type, provider, provider_token, display_name, brand, last4, exp_month, exp_year,
	 holder_name, is_active, is_default, metadata, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
	RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		pm.ID, pm.UserID, pm.Type, pm.Provider, pm.ProviderToken, pm.DisplayName, pm.Brand, pm.Last4,
		pm.ExpMonth, pm.ExpYear, pm.HolderName, pm.IsActive, pm.IsDefault, pm.Metadata,
	).Scan(&pm.CreatedAt, &pm.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create payment method",
			zap.String("user_id", pm.UserID),
			zap.String("provider", pm.Provider),
			zap.Error(err))
		return fmt.Errorf("failed to create payment method: %w", err)
	}

	r.cache.Invalidate(ctx, cache.UserPaymentMethodsKey(pm.UserID))
	return nil
}

func (r *PaymentMethodRepository) GetByID(ctx context.Context, id string) (*entity.PaymentMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	key := cache.PaymentMethodKey(id)
	var cached entity.PaymentMethod
	if r.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE id = $1`
	pm, err := scanPaymentMethod(r.db.QueryRow(ctx, query, id))
	if err != nil {
		err = notFoundOr(err, "payment method %s not found", id)
		if !entity.IsKind(err, entity.KindNotFound) {
			r.logger.Error("failed to fetch payment method", zap.String("payment_method_id", id), zap.Error(err))
			return nil, fmt.Errorf("failed to fetch payment method %s: %w", id, err)
		}
		return nil, err
	}

	r.cache.Set(ctx, key, pm)
	return pm, nil
}

func (r *PaymentMethodRepository) GetForUser(ctx context.Context, id, userID string) (*entity.PaymentMethod, error) {
	pm, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pm.UserID != userID {
		return nil, entity.NotFoundError("payment method %s not found", id)
	}
	return pm, nil
}

func (r *PaymentMethodRepository) ListByUser(ctx context.Context, userID string) ([]*entity.PaymentMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := cache.UserPaymentMethodsKey(userID)
	var cached []*entity.PaymentMethod
	if r.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods
	WHERE user_id = $1 AND is_active
	ORDER BY is_default DESC, created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("failed to list payment methods", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	methods := make([]*entity.PaymentMethod, 0)
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			r.logger.Error("failed to scan payment method row", zap.Error(err))
			return nil, fmt.Errorf("failed to scan payment method row: %w", err)
		}
		methods = append(methods, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	r.cache.Set(ctx, key, methods)
	return methods, nil
}

func (r *PaymentMethodRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM payment_methods WHERE user_id = $1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count payment methods: %w", err)
	}
	return n, nil
}

func (r *PaymentMethodRepository) Deactivate(ctx context.Context, id, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.db.Exec(ctx, `UPDATE payment_methods
	SET is_active = FALSE, is_default = FALSE, updated_at = NOW()
	WHERE id = $1 AND user_id = $2 AND is_active`, id, userID)
	if err != nil {
		r.logger.Error("failed to deactivate payment method", zap.String("payment_method_id", id), zap.Error(err))
		return fmt.Errorf("failed to deactivate payment method: %w", err)
	}
	r.cache.Invalidate(ctx, cache.PaymentMethodKey(id), cache.UserPaymentMethodsKey(userID))
	if tag.RowsAffected() == 0 {
		return entity.NotFoundError("payment method %s not found", id)
	}
	return nil
}

func (r *PaymentMethodRepository) SetDefault(ctx context.Context, id, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default = TRUE, updated_at = NOW()
	WHERE id = $1 AND user_id = $2 AND is_active`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to set default payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.NotFoundError("payment method %s not found", id)
	}

	rows, err := tx.Query(ctx, `UPDATE payment_methods SET is_default = FALSE, updated_at = NOW()
	WHERE user_id = $1 AND id <> $2 AND is_default RETURNING id`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to clear previous default: %w", err)
	}
	cleared, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to clear previous default: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	keys := []string{cache.PaymentMethodKey(id), cache.UserPaymentMethodsKey(userID)}
	for _, other := range cleared {
		keys = append(keys, cache.PaymentMethodKey(other))
	}
	r.cache.Invalidate(ctx, keys...)
	return nil
}
