package quota

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aitutor-platform/aitutor/internal/api"
	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/config"
	"github.com/aitutor-platform/aitutor/internal/events"
	"github.com/aitutor-platform/aitutor/internal/ledger"
	"github.com/aitutor-platform/aitutor/internal/metrics"
)

// Identity resolves a bearer token to claims. Satisfied by *auth.Service.
type Identity interface {
	ValidateAccessToken(token string) (*auth.AccessClaims, error)
}

// Admission gates quota-bearing calls on the daily request limit. Every
// identified call consumes one unit of quota up front, including calls that
// end up rejected, so a client that keeps retrying past its limit still
// burns quota on each attempt.
type Admission struct {
	identity Identity
	ledger   ledger.Repository
	burst    *Burst
	cfg      config.QuotaConfig
	events   *events.Publisher
	now      func() time.Time
}

func NewAdmission(identity Identity, led ledger.Repository, burst *Burst, cfg config.QuotaConfig, pub *events.Publisher) *Admission {
	return &Admission{
		identity: identity,
		ledger:   led,
		burst:    burst,
		cfg:      cfg,
		events:   pub,
		now:      time.Now,
	}
}

// Middleware enforces the daily request limit for identified calls.
//
// Calls without a resolvable identity pass through untouched unless
// QUOTA_STRICT_AUTH is set: the lenient default is inherited behavior, kept
// as an explicit, configurable policy instead of an accident.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := a.resolve(r)
		if !ok {
			if a.cfg.StrictAuth {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		// Burst rejections happen before the ledger write: a throttled spike
		// should not eat into the daily allowance.
		if allowed, count := a.burst.Allow(r.Context(), userID); !allowed {
			metrics.QuotaRejectionsTotal.WithLabelValues("burst").Inc()
			w.Header().Set("Retry-After", "60")
			api.HandleError(w, &api.QuotaExceededError{
				Kind:    "burst",
				Limit:   a.cfg.BurstPerMinute,
				Used:    count,
				ResetAt: a.now().Add(time.Minute),
			})
			return
		}

		counter, err := a.ledger.IncrementRequests(r.Context(), userID)
		if err != nil {
			// Fail closed: an unreachable ledger must never read as "quota ok".
			slog.Error("admission: ledger unavailable", "user_id", userID, "error", err)
			api.HandleError(w, api.ErrLedgerUnavailable)
			return
		}

		// The increment above already charged this attempt. Evaluate the
		// pre-increment view so exactly DailyRequestLimit calls are admitted.
		prior := *counter
		prior.RequestsMade--
		verdict := EvaluateRequests(&prior, a.cfg.DailyRequestLimit, a.now(), a.cfg.Location)

		if !verdict.Allowed {
			metrics.QuotaRejectionsTotal.WithLabelValues("requests").Inc()
			a.events.PublishQuota(r.Context(), events.QuotaEvent{
				UserID:     userID.String(),
				Kind:       "requests",
				Limit:      verdict.Limit,
				Used:       verdict.Used,
				ResetAt:    verdict.ResetsAt,
				OccurredAt: a.now(),
			})
			api.HandleError(w, &api.QuotaExceededError{
				Kind:    "requests",
				Limit:   verdict.Limit,
				Used:    verdict.Used,
				ResetAt: verdict.ResetsAt,
			})
			return
		}

		// Remaining after this admitted call. Headers go on now because a
		// streaming handler flushes them with the first fragment.
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(verdict.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining-1))

		next.ServeHTTP(&processTimeWriter{ResponseWriter: w, start: a.now()}, r)
	})
}

func (a *Admission) resolve(r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return uuid.Nil, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return uuid.Nil, false
	}
	claims, err := a.identity.ValidateAccessToken(parts[1])
	if err != nil {
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

// processTimeWriter stamps X-Process-Time just before the first header
// write, so the measurement covers everything up to the first byte even on
// streamed responses.
type processTimeWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (w *processTimeWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		elapsed := time.Since(w.start).Seconds()
		w.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", elapsed))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *processTimeWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *processTimeWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
