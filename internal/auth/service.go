package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// sessionKeyPrefix namespaces refresh session state in Redis. One key per
// issued refresh token, holding the account email so rotation can re-issue
// full claims without a database read.
const sessionKeyPrefix = "auth:session"

// ErrSessionRevoked is returned when a refresh token is syntactically valid
// but its session no longer exists, after a logout or an earlier rotation.
var ErrSessionRevoked = errors.New("refresh session revoked")

// Service issues and rotates token pairs. Access tokens are stateless JWTs;
// refresh tokens are honored only while their session key is in Redis,
// which is what makes logout and single-use rotation effective.
type Service struct {
	jwt      *JWTManager
	sessions *redis.Client
}

func NewService(jwt *JWTManager, sessions *redis.Client) *Service {
	return &Service{jwt: jwt, sessions: sessions}
}

func sessionKey(userID, tokenID string) string {
	return fmt.Sprintf("%s:%s:%s", sessionKeyPrefix, userID, tokenID)
}

// GenerateTokens issues a fresh pair and opens a refresh session for it.
// The session expires together with the refresh token.
func (s *Service) GenerateTokens(ctx context.Context, userID, email string) (*TokenPair, error) {
	pair, tokenID, err := s.jwt.GenerateTokenPair(userID, email)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Set(ctx, sessionKey(userID, tokenID), email, s.jwt.RefreshExpiry()).Err(); err != nil {
		return nil, fmt.Errorf("opening refresh session: %w", err)
	}
	return pair, nil
}

// RefreshTokens rotates a refresh token. The old session is consumed
// atomically, so a replayed token finds nothing and is rejected.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	email, err := s.sessions.GetDel(ctx, sessionKey(claims.UserID, claims.TokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("consuming refresh session: %w", err)
	}

	return s.GenerateTokens(ctx, claims.UserID, email)
}

// Logout revokes every refresh session the user has open. Outstanding
// access tokens stay valid until they expire on their own.
func (s *Service) Logout(ctx context.Context, userID string) error {
	pattern := sessionKey(userID, "*")
	iter := s.sessions.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.sessions.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("revoking refresh session: %w", err)
		}
	}
	return iter.Err()
}

func (s *Service) ValidateAccessToken(token string) (*AccessClaims, error) {
	return s.jwt.ValidateAccessToken(token)
}

func (s *Service) JWT() *JWTManager {
	return s.jwt
}
