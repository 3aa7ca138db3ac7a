package postgres

import (
	"errors"
	"fmt"
	"testing"

	entity "marketpay/internal/entity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "idx_payouts_one_in_flight"}

	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
	assert.False(t, isUniqueViolation(nil))
}

func TestParseAmount(t *testing.T) {
	d, err := parseAmount("amount", "99.99")
	require.NoError(t, err)
	assert.Equal(t, "99.99", d.StringFixed(2))

	_, err = parseAmount("amount", "abc")
	assert.ErrorContains(t, err, `invalid amount "abc"`)
}

func TestNotFoundOr(t *testing.T) {
	err := notFoundOr(pgx.ErrNoRows, "payout %s not found", "po-1")
	assert.True(t, entity.IsKind(err, entity.KindNotFound))
	assert.EqualError(t, err, "payout po-1 not found")

	other := errors.New("timeout")
	assert.Equal(t, other, notFoundOr(other, "ignored"))
}
