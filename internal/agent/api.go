package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// APIInvoker calls the Anthropic API directly instead of spawning a local
// agent CLI. Useful on hosts without the agent installed; note the API
// backend can only reason about the prompt, it cannot touch the worktree.
type APIInvoker struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAPIInvoker creates an API-backed invoker. The model may be overridden
// with the STORYLINE_MODEL environment variable; the API key comes from
// ANTHROPIC_API_KEY.
func NewAPIInvoker(model string) (*APIInvoker, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if env := os.Getenv("STORYLINE_MODEL"); env != "" {
		model = env
	}
	if model == "" {
		return nil, fmt.Errorf("agent model is required for the api backend")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &APIInvoker{
		client:    &client,
		model:     model,
		maxTokens: 8192,
	}, nil
}

// Invoke sends the prompt as a single user message and concatenates the
// text blocks of the response.
func (a *APIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Result{
		Output:   text.String(),
		Duration: time.Since(start),
	}, nil
}
