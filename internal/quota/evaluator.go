package quota

import (
	"time"

	"github.com/aitutor-platform/aitutor/internal/ledger"
)

// Verdict is the outcome of one quota check. It is derived fresh for every
// check and never cached: Used moves on every admitted call.
type Verdict struct {
	Allowed   bool
	Limit     int
	Used      int
	Remaining int
	ResetsAt  time.Time
}

// EvaluateRequests compares a counter's request count against the daily
// limit. The count passed in must be the pre-admission view: the check
// happens before the increment that admits the call, so exactly limit
// requests succeed per day.
func EvaluateRequests(c *ledger.UsageCounter, limit int, now time.Time, loc *time.Location) Verdict {
	return evaluate(c.RequestsMade, limit, now, loc)
}

// EvaluateTokens compares a counter's token usage against the daily token
// quota. This is a pre-flight gate: tokens are only committed after
// generation, so concurrent calls near the boundary can overshoot. The quota
// is a soft limit.
func EvaluateTokens(c *ledger.UsageCounter, quota int, now time.Time, loc *time.Location) Verdict {
	return evaluate(c.TokensUsed, quota, now, loc)
}

func evaluate(used, limit int, now time.Time, loc *time.Location) Verdict {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Allowed:   used < limit,
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		ResetsAt:  ResetsAt(now, loc),
	}
}

// ResetsAt returns the start of the next calendar day in loc, the instant
// all daily counters roll over.
func ResetsAt(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}
