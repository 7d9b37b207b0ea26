package events

import "time"

// Stream name.
const StreamEvents = "TUTOR_EVENTS"

// Subject constants.
const (
	SubjectChat      = "tutor.events.chat"
	SubjectQuota     = "tutor.events.quota"
	SubjectReconcile = "tutor.events.reconcile"
)

// ChatEvent is published after a chat exchange completes or fails.
type ChatEvent struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Outcome        string    `json:"outcome"` // completed, failed, canceled
	TokensUsed     int       `json:"tokens_used"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// QuotaEvent is published when a call is rejected for exceeding a limit.
type QuotaEvent struct {
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"` // requests, tokens, burst
	Limit      int       `json:"limit"`
	Used       int       `json:"used"`
	ResetAt    time.Time `json:"reset_at"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReconcileEvent is published when a token commit to the ledger fails after
// generation already happened. A downstream consumer can replay these to
// re-apply the missing usage.
type ReconcileEvent struct {
	UserID     string    `json:"user_id"`
	Tokens     int       `json:"tokens"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
