package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable marks a persistence failure. The request-count path must
// fail closed on it; the post-generation token commit fails open with logging
// (see relay).
var ErrUnavailable = errors.New("usage ledger unavailable")

type Repository interface {
	// IncrementRequests adds one to today's request counter for the user,
	// creating the row if absent, and returns the post-increment counter.
	IncrementRequests(ctx context.Context, userID uuid.UUID) (*UsageCounter, error)
	// IncrementTokens adds delta (>= 0) to today's token counter, same
	// create-if-absent and atomicity contract as IncrementRequests.
	IncrementTokens(ctx context.Context, userID uuid.UUID, delta int) (*UsageCounter, error)
	// GetToday returns today's counter, or a zero-valued one when the user
	// has no usage yet; "no row" is a normal state, not an error.
	GetToday(ctx context.Context, userID uuid.UUID) (*UsageCounter, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
	loc  *time.Location
	now  func() time.Time
}

// NewRepository creates a ledger backed by the usage_counters table. All
// day-boundary math happens in loc so rollover is deterministic across
// deployments.
func NewRepository(pool *pgxpool.Pool, loc *time.Location) Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &postgresRepository{pool: pool, loc: loc, now: time.Now}
}

// today returns midnight of the current day in the configured timezone.
func (r *postgresRepository) today() time.Time {
	y, m, d := r.now().In(r.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
}

// The upsert resolves the concurrent-first-request race: two inserts for the
// same (user_id, day) collide on the unique constraint and the loser takes
// the DO UPDATE arm, so exactly one row exists and no increment is lost.
func (r *postgresRepository) IncrementRequests(ctx context.Context, userID uuid.UUID) (*UsageCounter, error) {
	query := `
		INSERT INTO usage_counters (user_id, day, requests_made, tokens_used)
		VALUES ($1, $2, 1, 0)
		ON CONFLICT (user_id, day) DO UPDATE
		SET requests_made = usage_counters.requests_made + 1, updated_at = NOW()
		RETURNING user_id, day, requests_made, tokens_used, updated_at`

	c := &UsageCounter{}
	err := r.pool.QueryRow(ctx, query, userID, r.today()).Scan(
		&c.UserID, &c.Day, &c.RequestsMade, &c.TokensUsed, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("incrementing request count: %w: %v", ErrUnavailable, err)
	}
	return c, nil
}

func (r *postgresRepository) IncrementTokens(ctx context.Context, userID uuid.UUID, delta int) (*UsageCounter, error) {
	if delta < 0 {
		return nil, fmt.Errorf("token delta must not be negative, got %d", delta)
	}

	query := `
		INSERT INTO usage_counters (user_id, day, requests_made, tokens_used)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id, day) DO UPDATE
		SET tokens_used = usage_counters.tokens_used + $3, updated_at = NOW()
		RETURNING user_id, day, requests_made, tokens_used, updated_at`

	c := &UsageCounter{}
	err := r.pool.QueryRow(ctx, query, userID, r.today(), delta).Scan(
		&c.UserID, &c.Day, &c.RequestsMade, &c.TokensUsed, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("incrementing token count: %w: %v", ErrUnavailable, err)
	}
	return c, nil
}

func (r *postgresRepository) GetToday(ctx context.Context, userID uuid.UUID) (*UsageCounter, error) {
	query := `
		SELECT user_id, day, requests_made, tokens_used, updated_at
		FROM usage_counters
		WHERE user_id = $1 AND day = $2`

	day := r.today()
	c := &UsageCounter{}
	err := r.pool.QueryRow(ctx, query, userID, day).Scan(
		&c.UserID, &c.Day, &c.RequestsMade, &c.TokensUsed, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &UsageCounter{UserID: userID, Day: day}, nil
		}
		return nil, fmt.Errorf("querying usage counter: %w: %v", ErrUnavailable, err)
	}
	return c, nil
}
