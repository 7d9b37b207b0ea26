//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertLedgerUser(t *testing.T, env *TestEnv) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := env.Pool.Exec(context.Background(),
		`INSERT INTO users (id, email, password_hash, created_at, updated_at)
		 VALUES ($1, $2, 'x', NOW(), NOW())`, id, id.String()+"@ledger.test")
	require.NoError(t, err)
	return id
}

func TestLedgerConcurrentIncrements(t *testing.T) {
	env := SetupTestEnv(t)
	userID := insertLedgerUser(t, env)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Ledger.IncrementRequests(context.Background(), userID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// Exactly one row, with every increment accounted for.
	var rows, count int
	err := env.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*), COALESCE(SUM(requests_made), 0)
		 FROM usage_counters WHERE user_id = $1`, userID).Scan(&rows, &count)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
	assert.Equal(t, workers, count)
}

func TestLedgerTokenIncrements(t *testing.T) {
	env := SetupTestEnv(t)
	userID := insertLedgerUser(t, env)

	c, err := env.Ledger.IncrementTokens(context.Background(), userID, 120)
	require.NoError(t, err)
	assert.Equal(t, 120, c.TokensUsed)
	assert.Equal(t, 0, c.RequestsMade)

	c, err = env.Ledger.IncrementTokens(context.Background(), userID, 35)
	require.NoError(t, err)
	assert.Equal(t, 155, c.TokensUsed)

	_, err = env.Ledger.IncrementTokens(context.Background(), userID, -1)
	assert.Error(t, err)
}

func TestLedgerGetTodayFresh(t *testing.T) {
	env := SetupTestEnv(t)
	userID := insertLedgerUser(t, env)

	c, err := env.Ledger.GetToday(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.RequestsMade)
	assert.Equal(t, 0, c.TokensUsed)
	assert.Equal(t, userID, c.UserID)

	// Reading must not create a row.
	var rows int
	err = env.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM usage_counters WHERE user_id = $1`, userID).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 0, rows)

	y, m, d := time.Now().UTC().Date()
	assert.Equal(t, y, c.Day.Year())
	assert.Equal(t, m, c.Day.Month())
	assert.Equal(t, d, c.Day.Day())
}
