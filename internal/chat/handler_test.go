package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/config"
	"github.com/aitutor-platform/aitutor/internal/conversations"
	"github.com/aitutor-platform/aitutor/internal/history"
	"github.com/aitutor-platform/aitutor/internal/ledger"
	"github.com/aitutor-platform/aitutor/internal/relay"
)

type fakeConvRepo struct {
	convs    map[uuid.UUID]*conversations.Conversation
	messages map[uuid.UUID][]*conversations.Message
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		convs:    make(map[uuid.UUID]*conversations.Conversation),
		messages: make(map[uuid.UUID][]*conversations.Message),
	}
}

func (f *fakeConvRepo) Create(_ context.Context, conv *conversations.Conversation) error {
	f.convs[conv.ID] = conv
	return nil
}

func (f *fakeConvRepo) GetByID(_ context.Context, id uuid.UUID) (*conversations.Conversation, error) {
	return f.convs[id], nil
}

func (f *fakeConvRepo) ListByUser(_ context.Context, _ uuid.UUID, _, _ int) ([]*conversations.Conversation, error) {
	return nil, nil
}

func (f *fakeConvRepo) CountByUser(_ context.Context, _ uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeConvRepo) Touch(_ context.Context, id uuid.UUID) error {
	if conv, ok := f.convs[id]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeConvRepo) InsertMessage(_ context.Context, msg *conversations.Message) error {
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
	return nil
}

func (f *fakeConvRepo) ListMessages(_ context.Context, conversationID uuid.UUID) ([]*conversations.Message, error) {
	return f.messages[conversationID], nil
}

type fakeLedger struct {
	tokensUsed int
	getErr     error
}

func (f *fakeLedger) IncrementRequests(_ context.Context, userID uuid.UUID) (*ledger.UsageCounter, error) {
	return &ledger.UsageCounter{UserID: userID}, nil
}

func (f *fakeLedger) IncrementTokens(_ context.Context, userID uuid.UUID, delta int) (*ledger.UsageCounter, error) {
	f.tokensUsed += delta
	return &ledger.UsageCounter{UserID: userID, TokensUsed: f.tokensUsed}, nil
}

func (f *fakeLedger) GetToday(_ context.Context, userID uuid.UUID) (*ledger.UsageCounter, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &ledger.UsageCounter{UserID: userID, TokensUsed: f.tokensUsed}, nil
}

type fakeCompleter struct {
	fragments []string
	openErr   error
	streamErr error
	gotPrompt string
}

func (f *fakeCompleter) Complete(_ context.Context, _ uuid.UUID, p string, emit func(string) error) (*relay.Result, error) {
	f.gotPrompt = p
	if f.openErr != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrUpstream, f.openErr)
	}
	var text string
	for _, fragment := range f.fragments {
		text += fragment
		if err := emit(fragment); err != nil {
			return &relay.Result{Text: text, Outcome: relay.OutcomeCanceled}, nil
		}
	}
	result := &relay.Result{Text: text, Tokens: relay.EstimateTokens(text), Committed: true}
	if f.streamErr != nil {
		result.Outcome = relay.OutcomeFailed
		return result, fmt.Errorf("%w: %v", relay.ErrUpstream, f.streamErr)
	}
	result.Outcome = relay.OutcomeCompleted
	return result, nil
}

type fixture struct {
	handler *Handler
	repo    *fakeConvRepo
	ledger  *fakeLedger
	conv    *conversations.Conversation
	userID  uuid.UUID
}

func setup(t *testing.T, completer Completer, led *fakeLedger) *fixture {
	t.Helper()

	repo := newFakeConvRepo()
	svc := conversations.NewService(repo, nil)
	userID := uuid.New()

	conv, err := svc.Create(context.Background(), userID, &conversations.CreateConversationRequest{Title: "t"})
	require.NoError(t, err)

	h := NewHandler(svc, completer, led, nil,
		config.QuotaConfig{DailyRequestLimit: 100, TokenQuotaPerUser: 10000, Location: time.UTC},
		config.ChatConfig{HistoryWindow: 8})

	return &fixture{handler: h, repo: repo, ledger: led, conv: conv, userID: userID}
}

func (fx *fixture) post(t *testing.T, content string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(map[string]string{"content": content})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), auth.UserClaimsKey, &auth.AccessClaims{UserID: fx.userID.String()})
	ctx = conversations.SetConversationInContext(ctx, fx.conv)

	rec := httptest.NewRecorder()
	fx.handler.Chat(rec, req.WithContext(ctx))
	return rec
}

func TestChat_StreamsAndPersistsBothTurns(t *testing.T) {
	completer := &fakeCompleter{fragments: []string{"Em đã biết ", "vòng lặp for chưa?"}}
	fx := setup(t, completer, &fakeLedger{})

	rec := fx.post(t, "Làm sao in các số từ 1 đến 10?")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "Em đã biết vòng lặp for chưa?", rec.Body.String())

	msgs := fx.repo.messages[fx.conv.ID]
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "Làm sao in các số từ 1 đến 10?", msgs[0].Content)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Em đã biết vòng lặp for chưa?", msgs[1].Content)
}

func TestChat_PromptCarriesHistory(t *testing.T) {
	completer := &fakeCompleter{fragments: []string{"ok"}}
	fx := setup(t, completer, &fakeLedger{})

	fx.post(t, "con trỏ là gì?")

	assert.Contains(t, completer.gotPrompt, "user: con trỏ là gì?")
}

func TestChat_TokenQuotaExhausted(t *testing.T) {
	fx := setup(t, &fakeCompleter{}, &fakeLedger{tokensUsed: 10000})

	rec := fx.post(t, "hello")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Error string `json:"error"`
		Limit int    `json:"limit"`
		Used  int    `json:"used"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "token quota exceeded for today", body.Error)
	assert.Equal(t, 10000, body.Limit)
	assert.Equal(t, 10000, body.Used)

	// Rejected before any transcript write.
	assert.Empty(t, fx.repo.messages[fx.conv.ID])
}

func TestChat_LedgerDownFailsClosed(t *testing.T) {
	fx := setup(t, &fakeCompleter{}, &fakeLedger{getErr: ledger.ErrUnavailable})

	rec := fx.post(t, "hello")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChat_UpstreamOpenFailure(t *testing.T) {
	fx := setup(t, &fakeCompleter{openErr: errors.New("connection refused")}, &fakeLedger{})

	rec := fx.post(t, "hello")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	// The student's question survives the failed generation.
	msgs := fx.repo.messages[fx.conv.ID]
	require.Len(t, msgs, 1)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
}

func TestChat_FailureBeforeFirstFragment(t *testing.T) {
	fx := setup(t, &fakeCompleter{streamErr: errors.New("upstream reset")}, &fakeLedger{})

	rec := fx.post(t, "hello")

	// Nothing was streamed, so the caller gets a real error, not an empty 200.
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	msgs := fx.repo.messages[fx.conv.ID]
	require.Len(t, msgs, 1)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
}

func TestChat_MidStreamFailurePersistsPartial(t *testing.T) {
	completer := &fakeCompleter{
		fragments: []string{"một phần câu trả lời"},
		streamErr: errors.New("upstream reset"),
	}
	fx := setup(t, completer, &fakeLedger{})

	rec := fx.post(t, "hello")

	// Already streaming, so the status stays 200 and a notice marks the cut.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "một phần câu trả lời")
	assert.Contains(t, rec.Body.String(), "[Phản hồi bị gián đoạn")

	msgs := fx.repo.messages[fx.conv.ID]
	require.Len(t, msgs, 2)
	assert.Equal(t, "một phần câu trả lời", msgs[1].Content)
}

func TestChat_EmptyContentRejected(t *testing.T) {
	fx := setup(t, &fakeCompleter{}, &fakeLedger{})

	rec := fx.post(t, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_NoClaimsUnauthorized(t *testing.T) {
	fx := setup(t, &fakeCompleter{}, &fakeLedger{})

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte(`{"content":"x"}`)))
	rec := httptest.NewRecorder()
	fx.handler.Chat(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
