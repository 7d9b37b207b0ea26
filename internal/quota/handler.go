package quota

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aitutor-platform/aitutor/internal/api"
	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/config"
	"github.com/aitutor-platform/aitutor/internal/ledger"
)

type Handler struct {
	ledger ledger.Repository
	cfg    config.QuotaConfig
	now    func() time.Time
}

func NewHandler(led ledger.Repository, cfg config.QuotaConfig) *Handler {
	return &Handler{ledger: led, cfg: cfg, now: time.Now}
}

type usageBucket struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type usageResponse struct {
	Requests usageBucket `json:"requests"`
	Tokens   usageBucket `json:"tokens"`
	Date     string      `json:"date"`
	ResetAt  time.Time   `json:"reset_at"`
}

// Usage reports the caller's consumption for the current day. Reading never
// creates a ledger row, so a fresh user sees zeros.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	counter, err := h.ledger.GetToday(r.Context(), userID)
	if err != nil {
		slog.Error("reading usage counter", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrLedgerUnavailable)
		return
	}

	now := h.now()
	requests := EvaluateRequests(counter, h.cfg.DailyRequestLimit, now, h.cfg.Location)
	tokens := EvaluateTokens(counter, h.cfg.TokenQuotaPerUser, now, h.cfg.Location)

	api.JSON(w, http.StatusOK, usageResponse{
		Requests: usageBucket{Used: requests.Used, Limit: requests.Limit, Remaining: requests.Remaining},
		Tokens:   usageBucket{Used: tokens.Used, Limit: tokens.Limit, Remaining: tokens.Remaining},
		Date:     counter.Day.Format("2006-01-02"),
		ResetAt:  requests.ResetsAt,
	})
}
