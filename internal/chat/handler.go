package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aitutor-platform/aitutor/internal/api"
	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/config"
	"github.com/aitutor-platform/aitutor/internal/conversations"
	"github.com/aitutor-platform/aitutor/internal/events"
	"github.com/aitutor-platform/aitutor/internal/history"
	"github.com/aitutor-platform/aitutor/internal/ledger"
	"github.com/aitutor-platform/aitutor/internal/metrics"
	"github.com/aitutor-platform/aitutor/internal/prompt"
	"github.com/aitutor-platform/aitutor/internal/quota"
	"github.com/aitutor-platform/aitutor/internal/relay"
)

// persistTimeout bounds the post-stream transcript write, which runs on a
// detached context because the caller may be gone by then.
const persistTimeout = 5 * time.Second

// truncationNotice is appended to the stream when generation dies midway,
// so the student sees that the answer was cut short rather than finished.
const truncationNotice = "\n[Phản hồi bị gián đoạn, vui lòng thử lại.]"

// Completer relays a prompt to the model. Implemented by *relay.Service.
type Completer interface {
	Complete(ctx context.Context, userID uuid.UUID, prompt string, emit func(string) error) (*relay.Result, error)
}

type ChatRequest struct {
	Content string `json:"content" validate:"required,min=1"`
}

// Handler streams tutor responses. One exchange is: persist the student's
// message, render the prompt from the windowed transcript, stream the
// model's answer back as plain text and persist whatever was generated.
type Handler struct {
	convs    *conversations.Service
	relay    Completer
	ledger   ledger.Repository
	events   *events.Publisher
	quotaCfg config.QuotaConfig
	chatCfg  config.ChatConfig
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(convs *conversations.Service, completer Completer, led ledger.Repository, pub *events.Publisher, quotaCfg config.QuotaConfig, chatCfg config.ChatConfig) *Handler {
	return &Handler{
		convs:    convs,
		relay:    completer,
		ledger:   led,
		events:   pub,
		quotaCfg: quotaCfg,
		chatCfg:  chatCfg,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
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

	conv := conversations.GetConversationFromContext(r.Context())
	if conv == nil {
		api.HandleError(w, api.ErrConversationNotFound)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	// Pre-flight token gate. Generation costs are only known afterwards, so
	// this checks the counter as it stands; a user at the boundary can
	// overshoot once and pays for it on the next call.
	counter, err := h.ledger.GetToday(r.Context(), userID)
	if err != nil {
		slog.Error("reading token counter", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrLedgerUnavailable)
		return
	}
	verdict := quota.EvaluateTokens(counter, h.quotaCfg.TokenQuotaPerUser, h.now(), h.quotaCfg.Location)
	if !verdict.Allowed {
		metrics.QuotaRejectionsTotal.WithLabelValues("tokens").Inc()
		h.events.PublishQuota(r.Context(), events.QuotaEvent{
			UserID:     userID.String(),
			Kind:       "tokens",
			Limit:      verdict.Limit,
			Used:       verdict.Used,
			ResetAt:    verdict.ResetsAt,
			OccurredAt: h.now(),
		})
		api.HandleError(w, &api.QuotaExceededError{
			Kind:    "tokens",
			Limit:   verdict.Limit,
			Used:    verdict.Used,
			ResetAt: verdict.ResetsAt,
		})
		return
	}

	// The student's message goes into the transcript before the model runs,
	// so a failed generation still leaves the question on record.
	if _, err := h.convs.AppendTurn(r.Context(), conv.ID, history.RoleUser, req.Content); err != nil {
		slog.Error("appending user turn", "error", err, "conversation_id", conv.ID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	turns, err := h.convs.RecentTurns(r.Context(), conv.ID, h.chatCfg.HistoryWindow)
	if err != nil {
		slog.Error("loading history", "error", err, "conversation_id", conv.ID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	rendered := prompt.Tutor{History: turns}.Render()

	flusher, _ := w.(http.Flusher)
	streaming := false
	emit := func(fragment string) error {
		if !streaming {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		if _, err := w.Write([]byte(fragment)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	result, err := h.relay.Complete(r.Context(), userID, rendered, emit)
	if result == nil {
		// Nothing streamed yet; a regular error response is still possible.
		slog.Error("opening completion stream", "error", err, "conversation_id", conv.ID)
		api.HandleError(w, api.ErrUpstreamUnavailable)
		return
	}
	if err != nil {
		slog.Error("completion stream failed", "error", err,
			"conversation_id", conv.ID, "partial_len", len(result.Text))
		if streaming {
			emit(truncationNotice)
		} else {
			// The stream opened but died before producing anything, so no
			// headers have been written and a real error can still go out.
			api.HandleError(w, api.ErrUpstreamUnavailable)
		}
	}

	h.persistAssistantTurn(conv.ID, result)

	h.events.PublishChat(r.Context(), events.ChatEvent{
		UserID:         userID.String(),
		ConversationID: conv.ID.String(),
		Outcome:        result.Outcome,
		TokensUsed:     result.Tokens,
		OccurredAt:     h.now(),
	})
}

// persistAssistantTurn records whatever the model produced, including
// partial output from failed or canceled streams. It runs on a detached
// context: a disconnected caller must not lose the transcript write.
func (h *Handler) persistAssistantTurn(conversationID uuid.UUID, result *relay.Result) {
	if result.Text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := h.convs.AppendTurn(ctx, conversationID, history.RoleAssistant, result.Text); err != nil {
		slog.Error("persisting assistant turn", "error", err, "conversation_id", conversationID)
	}
}
