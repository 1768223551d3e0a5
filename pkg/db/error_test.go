package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", errors.New("UNIQUE constraint failed: purchase_intents.processor_payment_id"))))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062: Duplicate entry")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsDuplicateKeyErr(nil))
}

func TestIsRetryableErr(t *testing.T) {
	assert.True(t, IsRetryableErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryableErr(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsRetryableErr(context.DeadlineExceeded))
	assert.True(t, IsRetryableErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsRetryableErr(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsRetryableErr(errors.New("syntax error")))
	assert.False(t, IsRetryableErr(nil))
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)

	dialector, err := Dialect(Config{Type: "postgres", Host: "localhost", Port: "5432"})
	assert.NoError(t, err)
	assert.Equal(t, "postgres", dialector.Name())
}
