package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/aitutor-platform/aitutor/internal/config"
)

// Chunk is one fragment of a streamed completion. A chunk carries either
// text or a terminal error, never both.
type Chunk struct {
	Text string
	Err  error
}

// Client streams raw-prompt completions from an OpenAI-compatible endpoint.
// The tutor prompt is a pre-rendered Llama-3 template, so this uses the
// legacy completions API rather than the chat one.
type Client struct {
	api       openai.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

func NewClient(cfg config.LLMConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}

	return &Client{
		api:       openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Stream opens a streaming completion and forwards its text fragments on the
// returned channel. The channel closes when the stream ends; a terminal
// upstream error arrives as the final chunk. The caller MUST drain the
// channel until it closes, and may call the returned cancel func at any time
// to abort the upstream call.
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan Chunk, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	params := openai.CompletionNewParams{
		Model:     openai.CompletionNewParamsModel(c.model),
		Prompt:    openai.CompletionNewParamsPromptUnion{OfString: param.NewOpt(prompt)},
		MaxTokens: param.NewOpt(c.maxTokens),
	}

	stream := c.api.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		cancel()
		return nil, nil, fmt.Errorf("opening completion stream: %w", err)
	}

	chunks := make(chan Chunk)
	var once sync.Once
	closeStream := func() {
		once.Do(func() {
			stream.Close()
			cancel()
		})
	}

	go func() {
		defer close(chunks)
		defer closeStream()

		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 || cur.Choices[0].Text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case chunks <- Chunk{Text: cur.Choices[0].Text}:
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: err}
		}
	}()

	return chunks, closeStream, nil
}
