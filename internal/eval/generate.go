package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-tuner/internal/convert"
	"github.com/23skdu/longbow-tuner/internal/metrics"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultServerBaseURL = "http://localhost:8000/v1"
)

// Generation pairs a prompt with the text produced for it.
type Generation struct {
	Prompt string
	Text   string
}

// Generator produces one completion per prompt. Results may come back in
// any order; callers match them by prompt.
type Generator interface {
	Generate(ctx context.Context, prompts []string) ([]Generation, error)
}

type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// HTTPGenerator talks to an OpenAI-compatible endpoint, either the chat
// completions route or the plain completions route served by vLLM and
// similar servers. Requests are never retried.
type HTTPGenerator struct {
	client      *resty.Client
	engine      string
	chat        bool
	params      SamplingParams
	concurrency int64
}

func newHTTPGenerator(baseURL, apiKey, engine string, chat bool, params SamplingParams, concurrency int, timeout time.Duration) *HTTPGenerator {
	if concurrency <= 0 {
		concurrency = 1
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &HTTPGenerator{
		client:      c,
		engine:      engine,
		chat:        chat,
		params:      params,
		concurrency: int64(concurrency),
	}
}

// NewOpenAIChat generates through the chat completions API, sending each
// prompt as a single user message.
func NewOpenAIChat(baseURL, apiKey, engine string, params SamplingParams, concurrency int, timeout time.Duration) *HTTPGenerator {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return newHTTPGenerator(baseURL, apiKey, engine, true, params, concurrency, timeout)
}

// NewCompletion generates through the completions API of a model server.
func NewCompletion(baseURL, apiKey, model string, params SamplingParams, concurrency int, timeout time.Duration) *HTTPGenerator {
	if baseURL == "" {
		baseURL = DefaultServerBaseURL
	}
	return newHTTPGenerator(baseURL, apiKey, model, false, params, concurrency, timeout)
}

type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []convert.Message `json:"messages"`
	Temperature float64           `json:"temperature"`
	TopP        float64           `json:"top_p"`
	MaxTokens   int               `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message convert.Message `json:"message"`
	} `json:"choices"`
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompts []string) ([]Generation, error) {
	out := make([]Generation, len(prompts))
	sem := semaphore.NewWeighted(g.concurrency)
	eg, gctx := errgroup.WithContext(ctx)
	for i, p := range prompts {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			text, err := g.one(gctx, p)
			if err != nil {
				return err
			}
			out[i] = Generation{Prompt: p, Text: text}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *HTTPGenerator) one(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.GenerationDuration.WithLabelValues(g.engine).Observe(time.Since(start).Seconds())
	}()

	if g.chat {
		var res chatResponse
		resp, err := g.client.R().
			SetContext(ctx).
			SetBody(chatRequest{
				Model:       g.engine,
				Messages:    []convert.Message{{Role: convert.RoleUser, Content: prompt}},
				Temperature: g.params.Temperature,
				TopP:        g.params.TopP,
				MaxTokens:   g.params.MaxTokens,
			}).
			SetResult(&res).
			Post("/chat/completions")
		if err != nil {
			return "", fmt.Errorf("chat completion request failed: %w", err)
		}
		if resp.IsError() {
			return "", fmt.Errorf("chat completion returned %d: %s", resp.StatusCode(), resp.String())
		}
		if len(res.Choices) == 0 {
			return "", nil
		}
		return res.Choices[0].Message.Content, nil
	}

	var res completionResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(completionRequest{
			Model:       g.engine,
			Prompt:      prompt,
			Temperature: g.params.Temperature,
			TopP:        g.params.TopP,
			MaxTokens:   g.params.MaxTokens,
		}).
		SetResult(&res).
		Post("/completions")
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("completion returned %d: %s", resp.StatusCode(), resp.String())
	}
	if len(res.Choices) == 0 {
		return "", nil
	}
	return res.Choices[0].Text, nil
}
