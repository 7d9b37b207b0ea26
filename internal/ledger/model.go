package ledger

import (
	"time"

	"github.com/google/uuid"
)

// UsageCounter matches the usage_counters table schema: one row per user per
// calendar day, guarded by a UNIQUE (user_id, day) constraint. Both counters
// only ever grow within a day; rows are created lazily on first touch and
// never deleted here.
type UsageCounter struct {
	UserID       uuid.UUID `json:"user_id"`
	Day          time.Time `json:"day"`
	RequestsMade int       `json:"requests_made"`
	TokensUsed   int       `json:"tokens_used"`
	UpdatedAt    time.Time `json:"updated_at"`
}
