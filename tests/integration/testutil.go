//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aitutor-platform/aitutor/internal/api"
	"github.com/aitutor-platform/aitutor/internal/auth"
	"github.com/aitutor-platform/aitutor/internal/chat"
	"github.com/aitutor-platform/aitutor/internal/config"
	"github.com/aitutor-platform/aitutor/internal/conversations"
	"github.com/aitutor-platform/aitutor/internal/history"
	"github.com/aitutor-platform/aitutor/internal/ledger"
	"github.com/aitutor-platform/aitutor/internal/quota"
	"github.com/aitutor-platform/aitutor/internal/relay"
	"github.com/aitutor-platform/aitutor/internal/users"
)

// Per-user limits used across the suite. Tests that exercise quota
// exhaustion register their own users so the counters stay isolated.
const (
	testDailyRequestLimit = 5
	testTokenQuota        = 50
	testHistoryWindow     = 4
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	AuthSvc     *auth.Service
	UserSvc     *users.Service
	Ledger      ledger.Repository
	LLM         *ScriptedStreamer
}

// ScriptedStreamer stands in for the model endpoint so chat tests run
// without network access. SetScript programs what the next streams return.
type ScriptedStreamer struct {
	mu        sync.Mutex
	fragments []string
	err       error
}

func (s *ScriptedStreamer) SetScript(fragments []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments = fragments
	s.err = err
}

func (s *ScriptedStreamer) Stream(ctx context.Context, prompt string) (<-chan relay.Chunk, func(), error) {
	s.mu.Lock()
	fragments := append([]string(nil), s.fragments...)
	err := s.err
	s.mu.Unlock()

	ch := make(chan relay.Chunk)
	go func() {
		defer close(ch)
		for _, f := range fragments {
			select {
			case ch <- relay.Chunk{Text: f}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			ch <- relay.Chunk{Err: err}
		}
	}()
	return ch, func() {}, nil
}

var testEnv *TestEnv

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "aitutor_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/aitutor_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Run migrations
	migrationsPath := getMigrationsPath()
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	quotaCfg := config.QuotaConfig{
		DailyRequestLimit: testDailyRequestLimit,
		TokenQuotaPerUser: testTokenQuota,
		Timezone:          "UTC",
		Location:          time.UTC,
	}
	chatCfg := config.ChatConfig{
		HistoryWindow: testHistoryWindow,
		CacheTTL:      time.Hour,
	}

	// Setup services
	jwtManager := auth.NewJWTManager("test-access-secret-32-chars-long!!", "test-refresh-secret-32-chars-long!!", 15*time.Minute, 7*24*time.Hour)
	authSvc := auth.NewService(jwtManager, redisClient)
	userRepo := users.NewRepository(pool)
	userSvc := users.NewService(userRepo)
	authHandler := auth.NewHandler(authSvc, userSvc)

	histCache := history.NewCache(redisClient, chatCfg.HistoryWindow, chatCfg.CacheTTL)
	convRepo := conversations.NewRepository(pool)
	convSvc := conversations.NewService(convRepo, histCache)
	convHandler := conversations.NewHandler(convSvc)

	ledgerRepo := ledger.NewRepository(pool, quotaCfg.Location)
	admission := quota.NewAdmission(authSvc, ledgerRepo, nil, quotaCfg, nil)
	usageHandler := quota.NewHandler(ledgerRepo, quotaCfg)

	llm := &ScriptedStreamer{}
	relaySvc := relay.NewService(llm, ledgerRepo, nil)
	chatHandler := chat.NewHandler(convSvc, relaySvc, ledgerRepo, nil, quotaCfg, chatCfg)

	router := api.NewRouter(pool, nil, api.RouterConfig{}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,
		Me:       authHandler.Me,

		CreateConversation:  convHandler.Create,
		ListConversations:   convHandler.List,
		GetConversation:     convHandler.Get,
		CreateMessage:       convHandler.CreateMessage,
		ListMessages:        convHandler.ListMessages,
		OwnershipMiddleware: convHandler.OwnershipMiddleware,

		Chat:  chatHandler.Chat,
		Usage: usageHandler.Usage,

		AuthMiddleware:      auth.Middleware(authSvc),
		AdmissionMiddleware: admission.Middleware,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		AuthSvc:     authSvc,
		UserSvc:     userSvc,
		Ledger:      ledgerRepo,
		LLM:         llm,
	}

	return testEnv
}

func getMigrationsPath() string {
	// Try relative paths from test directory
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func RegisterUser(t *testing.T, env *TestEnv, email, password string) map[string]any {
	t.Helper()
	body := map[string]string{"email": email, "password": password}
	resp := DoRequest(t, env, "POST", "/api/v1/auth/register", body, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed: status %d", resp.StatusCode)
	}
	return ParseResponse(t, resp)
}

func LoginUser(t *testing.T, env *TestEnv, email, password string) string {
	t.Helper()
	body := map[string]string{"email": email, "password": password}
	resp := DoRequest(t, env, "POST", "/api/v1/auth/login", body, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	return data["access_token"].(string)
}

func CreateConversation(t *testing.T, env *TestEnv, token, title string) string {
	t.Helper()
	resp := DoRequest(t, env, "POST", "/api/v1/conversations", map[string]string{"title": title}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("creating conversation failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	return data["id"].(string)
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}
