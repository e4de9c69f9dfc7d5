//go:build integration

package ledger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresStore_ConcurrentDecrements(t *testing.T) {
	store := setupPostgresStore(t)
	l := New(store, Options{InitialGrant: 20, MaxAttempts: 20})
	ctx := context.Background()
	account := "it-" + uuid.NewString()

	_, err := l.GetBalance(ctx, account)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _, err := l.TryDecrement(ctx, account, fmt.Sprintf("r%d", i), 1)
			results <- err == nil && ok
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	require.LessOrEqual(t, succeeded, 20)

	acct, err := store.GetAccount(ctx, account)
	require.NoError(t, err)
	require.Equal(t, int64(20-succeeded), acct.Balance)

	res := NewValidator(store).ValidateBalanceConsistency(ctx, account)
	require.True(t, res.IsValid, res.Message)
}
