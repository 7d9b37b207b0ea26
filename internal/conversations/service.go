package conversations

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aitutor-platform/aitutor/internal/history"
)

// Service owns conversation and transcript persistence. Postgres is the
// system of record; the Redis tail cache is an optimization and every cache
// failure degrades to a database read.
type Service struct {
	repo  Repository
	cache *history.Cache
}

func NewService(repo Repository, cache *history.Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

func (s *Service) Create(ctx context.Context, userID uuid.UUID, req *CreateConversationRequest) (*Conversation, error) {
	title := req.Title
	if title == "" {
		title = "New Conversation"
	}

	now := time.Now()
	conv := &Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]*Conversation, int64, error) {
	offset := (params.Page - 1) * params.PageSize

	convs, err := s.repo.ListByUser(ctx, userID, params.PageSize, offset)
	if err != nil {
		return nil, 0, err
	}

	count, err := s.repo.CountByUser(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	return convs, count, nil
}

// AppendTurn persists one transcript entry, bumps the conversation's
// updated_at and mirrors the turn into the tail cache.
func (s *Service) AppendTurn(ctx context.Context, conversationID uuid.UUID, role, content string) (*Message, error) {
	msg := &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.repo.Touch(ctx, conversationID); err != nil {
		slog.Warn("touching conversation", "conversation_id", conversationID, "error", err)
	}

	if s.cache != nil {
		err := s.cache.Append(ctx, conversationID, history.Turn{
			Role:      role,
			Content:   content,
			Timestamp: msg.CreatedAt,
		})
		if err != nil {
			slog.Warn("caching turn", "conversation_id", conversationID, "error", err)
		}
	}

	return msg, nil
}

// Transcript returns the full ordered transcript from Postgres.
func (s *Service) Transcript(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	return s.repo.ListMessages(ctx, conversationID)
}

// RecentTurns returns the last limit turns, served from the tail cache when
// it holds enough entries and from Postgres otherwise.
func (s *Service) RecentTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]history.Turn, error) {
	if s.cache != nil {
		turns, err := s.cache.Recent(ctx, conversationID, limit)
		if err != nil {
			slog.Warn("reading turn cache", "conversation_id", conversationID, "error", err)
		} else if len(turns) >= limit {
			return turns, nil
		}
	}

	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	turns := make([]history.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, history.Turn{
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt,
		})
	}
	return history.Window(turns, limit), nil
}
