package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditStore_Balance_UnknownUser(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()

	balance, err := store.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestCreditStore_Credit(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Credit(ctx, "user-001", 1000, now))
	require.NoError(t, store.Credit(ctx, "user-001", 500, now))

	balance, err := store.Balance(ctx, "user-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)
}

func TestCreditStore_Credit_Negative(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()

	err := store.Credit(ctx, "user-001", -100, time.Now().UTC())
	assert.Error(t, err)
}

func TestCreditStore_Debit(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Credit(ctx, "user-001", 1000, now))
	require.NoError(t, store.Debit(ctx, "user-001", 300, now))

	balance, err := store.Balance(ctx, "user-001")
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)
}

func TestCreditStore_Debit_AllowsNegativeBalance(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Credit(ctx, "user-001", 100, now))
	require.NoError(t, store.Debit(ctx, "user-001", 250, now))

	balance, err := store.Balance(ctx, "user-001")
	require.NoError(t, err)
	assert.Equal(t, int64(-150), balance)
}

func TestCreditStore_Debit_CreatesAccount(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()

	require.NoError(t, store.Debit(ctx, "user-new", 50, time.Now().UTC()))

	account, err := store.Get(ctx, "user-new")
	require.NoError(t, err)
	assert.Equal(t, int64(-50), account.BalanceCents)
}

func TestCreditStore_Get_NotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewCreditStore(db)
	ctx := context.Background()

	_, err := store.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
