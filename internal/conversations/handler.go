package conversations

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aitutor-platform/aitutor/internal/api"
	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/history"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	conv, err := h.svc.Create(r.Context(), userID, &req)
	if err != nil {
		slog.Error("creating conversation", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, conv)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
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

	params := DefaultListParams()
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}

	convs, totalCount, err := h.svc.ListByUser(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing conversations", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, convs, totalCount, params.Page, params.PageSize)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	conv := GetConversationFromContext(r.Context())
	if conv == nil {
		api.HandleError(w, api.ErrConversationNotFound)
		return
	}

	api.JSON(w, http.StatusOK, conv)
}

// CreateMessage appends a user message without triggering a completion. The
// frontend uses it to record drafts and retries.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	conv := GetConversationFromContext(r.Context())
	if conv == nil {
		api.HandleError(w, api.ErrConversationNotFound)
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	msg, err := h.svc.AppendTurn(r.Context(), conv.ID, history.RoleUser, req.Content)
	if err != nil {
		slog.Error("appending message", "error", err, "conversation_id", conv.ID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, msg)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv := GetConversationFromContext(r.Context())
	if conv == nil {
		api.HandleError(w, api.ErrConversationNotFound)
		return
	}

	msgs, err := h.svc.Transcript(r.Context(), conv.ID)
	if err != nil {
		slog.Error("listing messages", "error", err, "conversation_id", conv.ID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, msgs)
}

// OwnershipMiddleware verifies conversation ownership before allowing
// access. Missing and not-owned conversations are indistinguishable to the
// caller: both read as not found, so conversation IDs leak nothing.
func (h *Handler) OwnershipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetUserClaims(r.Context())
		if claims == nil {
			api.HandleError(w, api.ErrUnauthorized)
			return
		}

		conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
		if err != nil {
			api.HandleError(w, api.ErrConversationNotFound)
			return
		}

		conv, err := h.svc.GetByID(r.Context(), conversationID)
		if err != nil {
			slog.Error("fetching conversation for ownership check", "error", err)
			api.HandleError(w, api.ErrInternalServer)
			return
		}
		if conv == nil {
			api.HandleError(w, api.ErrConversationNotFound)
			return
		}

		if conv.UserID.String() != claims.UserID {
			slog.Warn("ownership violation attempt",
				"conversation_id", conversationID,
				"owner", conv.UserID,
				"requester", claims.UserID,
				"path", r.URL.Path,
				"method", r.Method,
			)
			api.HandleError(w, api.ErrConversationNotFound)
			return
		}

		ctx := SetConversationInContext(r.Context(), conv)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
