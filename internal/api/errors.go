package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest           = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized         = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrNotFound             = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrInternalServer       = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidCredentials   = &AppError{Code: http.StatusUnauthorized, Message: "invalid email or password"}
	ErrEmailAlreadyExists   = &AppError{Code: http.StatusConflict, Message: "email already registered"}
	ErrInvalidToken         = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrConversationNotFound = &AppError{Code: http.StatusNotFound, Message: "conversation not found"}
	ErrLedgerUnavailable    = &AppError{Code: http.StatusServiceUnavailable, Message: "usage ledger unavailable"}
	ErrUpstreamUnavailable  = &AppError{Code: http.StatusBadGateway, Message: "completion service unavailable"}
)

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// QuotaExceededError is the structured 429 payload. Limit, Used and ResetAt
// are machine-readable so clients can back off until the counters roll over.
type QuotaExceededError struct {
	Kind    string    `json:"-"` // "requests", "tokens" or "burst"
	Limit   int       `json:"limit"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

func (e *QuotaExceededError) Error() string {
	switch e.Kind {
	case "tokens":
		return "token quota exceeded for today"
	case "burst":
		return "too many requests, slow down"
	default:
		return "daily request limit exceeded"
	}
}

func HandleError(w http.ResponseWriter, err error) {
	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(struct {
			Error   string    `json:"error"`
			Limit   int       `json:"limit"`
			Used    int       `json:"used"`
			ResetAt time.Time `json:"reset_at"`
		}{quotaErr.Error(), quotaErr.Limit, quotaErr.Used, quotaErr.ResetAt})
		return
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
