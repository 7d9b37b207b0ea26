//go:build integration

package integration

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestChatStreamsAndPersists(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "chat-basic@example.com", "password123")
	token := LoginUser(t, env, "chat-basic@example.com", "password123")
	convID := CreateConversation(t, env, token, "Hỏi về con trỏ")

	env.LLM.SetScript([]string{"Con trỏ ", "là biến ", "lưu địa chỉ."}, nil)

	body := map[string]string{"content": "Con trỏ là gì?"}
	resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-Process-Time"))

	streamed := readBody(t, resp)
	assert.Equal(t, "Con trỏ là biến lưu địa chỉ.", streamed)

	// Both turns are on the transcript.
	resp = DoRequest(t, env, "GET", "/api/v1/conversations/"+convID+"/messages", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	msgs := result["data"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	assert.Equal(t, "Con trỏ là biến lưu địa chỉ.", msgs[1].(map[string]any)["content"])

	// Usage reflects the exchange.
	resp = DoRequest(t, env, "GET", "/api/v1/usage", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := ParseResponse(t, resp)["data"].(map[string]any)
	requests := usage["requests"].(map[string]any)
	tokens := usage["tokens"].(map[string]any)
	assert.Equal(t, float64(1), requests["used"])
	assert.Greater(t, tokens["used"].(float64), float64(0))
}

func TestChatDailyRequestLimit(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "chat-limit@example.com", "password123")
	token := LoginUser(t, env, "chat-limit@example.com", "password123")
	convID := CreateConversation(t, env, token, "Giới hạn ngày")

	env.LLM.SetScript([]string{"ok"}, nil)

	for i := 0; i < testDailyRequestLimit; i++ {
		body := map[string]string{"content": fmt.Sprintf("câu hỏi %d", i)}
		resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", body, token)
		require.Equal(t, http.StatusOK, resp.StatusCode, "call %d should be admitted", i)
		resp.Body.Close()
	}

	body := map[string]string{"content": "một câu nữa"}
	resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", body, token)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	result := ParseResponse(t, resp)
	assert.Equal(t, "daily request limit exceeded", result["error"])
	assert.Equal(t, float64(testDailyRequestLimit), result["limit"])
	assert.NotEmpty(t, result["reset_at"])
}

func TestChatTokenQuota(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "chat-tokens@example.com", "password123")
	token := LoginUser(t, env, "chat-tokens@example.com", "password123")
	convID := CreateConversation(t, env, token, "Hết hạn mức token")

	// One long answer pushes the counter past the per-user token quota.
	env.LLM.SetScript([]string{strings.Repeat("x", testTokenQuota*4+8)}, nil)

	body := map[string]string{"content": "giải thích dài vào"}
	resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", body, token)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	result := ParseResponse(t, resp)
	assert.Equal(t, "token quota exceeded for today", result["error"])

	// The rejected call still consumed a request.
	resp = DoRequest(t, env, "GET", "/api/v1/usage", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := ParseResponse(t, resp)["data"].(map[string]any)
	requests := usage["requests"].(map[string]any)
	assert.Equal(t, float64(2), requests["used"])
}

func TestChatMidStreamFailure(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "chat-partial@example.com", "password123")
	token := LoginUser(t, env, "chat-partial@example.com", "password123")
	convID := CreateConversation(t, env, token, "Luồng bị đứt")

	env.LLM.SetScript([]string{"Một phần câu trả lời"}, errors.New("upstream died"))

	body := map[string]string{"content": "câu hỏi"}
	resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	streamed := readBody(t, resp)
	assert.Contains(t, streamed, "Một phần câu trả lời")
	assert.Contains(t, streamed, "gián đoạn")

	// Partial output lands on the transcript without the truncation notice.
	resp = DoRequest(t, env, "GET", "/api/v1/conversations/"+convID+"/messages", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	msgs := result["data"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Một phần câu trả lời", msgs[1].(map[string]any)["content"])

	// Partial output is still charged.
	resp = DoRequest(t, env, "GET", "/api/v1/usage", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := ParseResponse(t, resp)["data"].(map[string]any)
	tokens := usage["tokens"].(map[string]any)
	assert.Greater(t, tokens["used"].(float64), float64(0))
}

func TestChatValidation(t *testing.T) {
	env := SetupTestEnv(t)

	RegisterUser(t, env, "chat-validate@example.com", "password123")
	token := LoginUser(t, env, "chat-validate@example.com", "password123")
	convID := CreateConversation(t, env, token, "Kiểm tra đầu vào")

	t.Run("empty content rejected", func(t *testing.T) {
		resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", map[string]string{"content": ""}, token)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unauthenticated rejected", func(t *testing.T) {
		resp := DoRequest(t, env, "POST", "/api/v1/conversations/"+convID+"/chat", map[string]string{"content": "hi"}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
