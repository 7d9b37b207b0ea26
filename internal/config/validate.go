package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Quota limits
	if c.Quota.DailyRequestLimit < 1 {
		errs = append(errs, fmt.Sprintf("DAILY_REQUEST_LIMIT must be positive, got %d", c.Quota.DailyRequestLimit))
	}
	if c.Quota.TokenQuotaPerUser < 1 {
		errs = append(errs, fmt.Sprintf("TOKEN_QUOTA_PER_USER must be positive, got %d", c.Quota.TokenQuotaPerUser))
	}
	if c.Quota.BurstPerMinute < 0 {
		errs = append(errs, fmt.Sprintf("QUOTA_BURST_PER_MINUTE must not be negative, got %d", c.Quota.BurstPerMinute))
	}
	if c.Chat.HistoryWindow < 1 {
		errs = append(errs, fmt.Sprintf("CHAT_HISTORY_WINDOW must be positive, got %d", c.Chat.HistoryWindow))
	}

	if c.LLM.Timeout <= 0 {
		errs = append(errs, "LLM_TIMEOUT must be positive")
	}

	// LLM API key: warn only, so local runs against an unauthenticated
	// endpoint stay possible
	if c.LLM.APIKey == "" {
		slog.Warn("LLM_API_KEY is empty, upstream completion calls are unauthenticated")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
