package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitutor-platform/aitutor/internal/ledger"
)

type fakeStreamer struct {
	chunks   []Chunk
	openErr  error
	canceled atomic.Bool
}

func (f *fakeStreamer) Stream(_ context.Context, _ string) (<-chan Chunk, func(), error) {
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			out <- c
		}
	}()
	return out, func() { f.canceled.Store(true) }, nil
}

type fakeLedger struct {
	tokens    map[uuid.UUID]int
	commitErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tokens: make(map[uuid.UUID]int)}
}

func (f *fakeLedger) IncrementRequests(_ context.Context, _ uuid.UUID) (*ledger.UsageCounter, error) {
	return &ledger.UsageCounter{}, nil
}

func (f *fakeLedger) IncrementTokens(_ context.Context, userID uuid.UUID, delta int) (*ledger.UsageCounter, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.tokens[userID] += delta
	return &ledger.UsageCounter{UserID: userID, TokensUsed: f.tokens[userID]}, nil
}

func (f *fakeLedger) GetToday(_ context.Context, userID uuid.UUID) (*ledger.UsageCounter, error) {
	return &ledger.UsageCounter{UserID: userID, TokensUsed: f.tokens[userID]}, nil
}

func collectEmit(out *[]string) func(string) error {
	return func(s string) error {
		*out = append(*out, s)
		return nil
	}
}

func TestComplete_StreamsAndCommits(t *testing.T) {
	led := newFakeLedger()
	svc := NewService(&fakeStreamer{chunks: []Chunk{
		{Text: "Trước khi in một dòng chữ"},
		{Text: " ra màn hình..."},
	}}, led, nil)
	userID := uuid.New()

	var emitted []string
	result, err := svc.Complete(context.Background(), userID, "prompt", collectEmit(&emitted))
	require.NoError(t, err)

	assert.Equal(t, []string{"Trước khi in một dòng chữ", " ra màn hình..."}, emitted)
	assert.Equal(t, "Trước khi in một dòng chữ ra màn hình...", result.Text)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.True(t, result.Committed)
	assert.Equal(t, EstimateTokens(result.Text), led.tokens[userID])
}

func TestComplete_MidStreamFailureCommitsPartial(t *testing.T) {
	led := newFakeLedger()
	svc := NewService(&fakeStreamer{chunks: []Chunk{
		{Text: "partial answer "},
		{Err: errors.New("upstream reset")},
	}}, led, nil)
	userID := uuid.New()

	var emitted []string
	result, err := svc.Complete(context.Background(), userID, "prompt", collectEmit(&emitted))

	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, "partial answer ", result.Text)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, EstimateTokens("partial answer "), led.tokens[userID])
}

func TestComplete_EmitFailureCancelsUpstreamAndStillCommits(t *testing.T) {
	led := newFakeLedger()
	streamer := &fakeStreamer{chunks: []Chunk{
		{Text: "first "},
		{Text: "second "},
		{Text: "third"},
	}}
	svc := NewService(streamer, led, nil)
	userID := uuid.New()

	calls := 0
	result, err := svc.Complete(context.Background(), userID, "prompt", func(string) error {
		calls++
		if calls > 1 {
			return errors.New("client gone")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCanceled, result.Outcome)
	assert.True(t, streamer.canceled.Load())
	// Everything received before the cancel took effect is still charged.
	assert.Equal(t, "first second third", result.Text)
	assert.Equal(t, EstimateTokens(result.Text), led.tokens[userID])
}

func TestComplete_CancelEchoAfterEmitFailure(t *testing.T) {
	led := newFakeLedger()
	streamer := &fakeStreamer{chunks: []Chunk{
		{Text: "first "},
		{Text: "second"},
		{Err: context.Canceled},
	}}
	svc := NewService(streamer, led, nil)
	userID := uuid.New()

	calls := 0
	result, err := svc.Complete(context.Background(), userID, "prompt", func(string) error {
		calls++
		if calls > 1 {
			return errors.New("client gone")
		}
		return nil
	})

	// The cancellation error the canceled stream reports back is our own
	// doing, so the exchange stays canceled rather than failed.
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, result.Outcome)
	assert.True(t, streamer.canceled.Load())
	assert.Equal(t, EstimateTokens("first second"), led.tokens[userID])
}

func TestComplete_UpstreamFaultAfterEmitFailureStillReported(t *testing.T) {
	led := newFakeLedger()
	svc := NewService(&fakeStreamer{chunks: []Chunk{
		{Text: "first "},
		{Err: errors.New("upstream reset")},
	}}, led, nil)

	result, err := svc.Complete(context.Background(), uuid.New(), "prompt", func(string) error {
		return errors.New("client gone")
	})

	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestComplete_OpenFailure(t *testing.T) {
	svc := NewService(&fakeStreamer{openErr: errors.New("connection refused")}, newFakeLedger(), nil)

	result, err := svc.Complete(context.Background(), uuid.New(), "prompt", collectEmit(&[]string{}))
	require.ErrorIs(t, err, ErrUpstream)
	assert.Nil(t, result)
}

func TestComplete_CommitFailureFailsOpen(t *testing.T) {
	led := newFakeLedger()
	led.commitErr = ledger.ErrUnavailable
	svc := NewService(&fakeStreamer{chunks: []Chunk{{Text: "answer"}}}, led, nil)

	var emitted []string
	result, err := svc.Complete(context.Background(), uuid.New(), "prompt", collectEmit(&emitted))

	// The response already streamed; the lost commit is reported, not fatal.
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.False(t, result.Committed)
	assert.Equal(t, []string{"answer"}, emitted)
}

func TestComplete_EmptyStreamCommitsNothing(t *testing.T) {
	led := newFakeLedger()
	svc := NewService(&fakeStreamer{}, led, nil)
	userID := uuid.New()

	result, err := svc.Complete(context.Background(), userID, "prompt", collectEmit(&[]string{}))
	require.NoError(t, err)
	assert.Zero(t, result.Tokens)
	assert.Zero(t, led.tokens[userID])
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	// Multi-byte Vietnamese text counts runes, not bytes.
	assert.Equal(t, 2, EstimateTokens("học lập"))
}
