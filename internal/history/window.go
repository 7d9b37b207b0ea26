package history

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of a conversation transcript.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Window returns the most recent k turns in chronological order. The full
// transcript stays in Postgres; only this slice reaches the prompt, keeping
// prompt size bounded no matter how long a conversation runs.
//
// Window is idempotent: applying it twice with the same k returns the same
// slice.
func Window(turns []Turn, k int) []Turn {
	if k <= 0 {
		return nil
	}
	if len(turns) <= k {
		return turns
	}
	return turns[len(turns)-k:]
}
