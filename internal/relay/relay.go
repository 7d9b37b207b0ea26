package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aitutor-platform/aitutor/internal/events"
	"github.com/aitutor-platform/aitutor/internal/ledger"
	"github.com/aitutor-platform/aitutor/internal/metrics"
)

// ErrUpstream marks a completion call that failed at the model endpoint.
var ErrUpstream = errors.New("completion upstream failed")

// commitTimeout bounds the post-generation ledger write. It runs on a
// detached context because the request context may already be dead by then.
const commitTimeout = 5 * time.Second

// Streamer opens a streaming completion. Implemented by *Client.
type Streamer interface {
	Stream(ctx context.Context, prompt string) (<-chan Chunk, func(), error)
}

// Outcome values for a finished relay.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Result is what a relay produced, whole or partial. Text holds everything
// the model generated before the stream ended, whatever the outcome, and
// Tokens is its estimated cost. Committed reports whether that cost reached
// the ledger.
type Result struct {
	Text      string
	Tokens    int
	Outcome   string
	Committed bool
}

// Service relays a prompt to the model and accounts for every token that
// was actually generated. Generation happens before accounting, so even an
// exchange that dies mid-stream charges the user for the partial output.
type Service struct {
	llm    Streamer
	ledger ledger.Repository
	events *events.Publisher
}

func NewService(llm Streamer, led ledger.Repository, pub *events.Publisher) *Service {
	return &Service{llm: llm, ledger: led, events: pub}
}

// Complete streams a completion, calling emit for every text fragment as it
// arrives. When emit fails (typically a disconnected caller) the upstream
// call is canceled but the text generated so far is still returned and
// accounted for. An error is returned only for upstream failures; the
// partial Result is valid alongside it.
func (s *Service) Complete(ctx context.Context, userID uuid.UUID, prompt string, emit func(string) error) (*Result, error) {
	chunks, cancel, err := s.llm.Stream(ctx, prompt)
	if err != nil {
		metrics.RelayStreamsTotal.WithLabelValues(OutcomeFailed).Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer cancel()

	var b strings.Builder
	var streamErr, emitErr error

	for chunk := range chunks {
		if chunk.Err != nil {
			if emitErr != nil && (errors.Is(chunk.Err, context.Canceled) || errors.Is(chunk.Err, context.DeadlineExceeded)) {
				// Echo of our own cancel after the caller went away, not an
				// upstream fault.
				continue
			}
			streamErr = chunk.Err
			continue
		}
		// Received text was generated upstream, so it counts toward the
		// quota even when it never reaches the caller.
		b.WriteString(chunk.Text)

		if emitErr != nil {
			continue // drain after the caller went away
		}
		if err := emit(chunk.Text); err != nil {
			emitErr = err
			cancel()
		}
	}

	result := &Result{
		Text:   b.String(),
		Tokens: EstimateTokens(b.String()),
	}
	result.Committed = s.commit(userID, result.Tokens)

	switch {
	case streamErr != nil:
		result.Outcome = OutcomeFailed
		metrics.RelayStreamsTotal.WithLabelValues(OutcomeFailed).Inc()
		return result, fmt.Errorf("%w: %v", ErrUpstream, streamErr)
	case emitErr != nil:
		result.Outcome = OutcomeCanceled
		metrics.RelayStreamsTotal.WithLabelValues(OutcomeCanceled).Inc()
	default:
		result.Outcome = OutcomeCompleted
		metrics.RelayStreamsTotal.WithLabelValues(OutcomeCompleted).Inc()
	}
	return result, nil
}

// commit writes the token cost to the ledger. The write fails open: the
// response already streamed, so rejecting it retroactively helps nobody.
// Failed commits are logged, counted and published for reconciliation.
func (s *Service) commit(userID uuid.UUID, tokens int) bool {
	if tokens == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if _, err := s.ledger.IncrementTokens(ctx, userID, tokens); err != nil {
		metrics.LedgerCommitFailuresTotal.Inc()
		slog.Error("committing token usage", "user_id", userID, "tokens", tokens, "error", err)
		s.events.PublishReconcile(ctx, events.ReconcileEvent{
			UserID:     userID.String(),
			Tokens:     tokens,
			Reason:     err.Error(),
			OccurredAt: time.Now(),
		})
		return false
	}

	metrics.TokensAccountedTotal.Add(float64(tokens))
	return true
}
