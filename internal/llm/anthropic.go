package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/clinicai/intake-assistant/pkg/metrics"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Complete sends a completion request. System messages are lifted into the
// request's system prompt because the Messages API only accepts user and
// assistant turns.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	system, messages := toAnthropicMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(orDefault(req.Model, defaultAnthropicModel)),
		MaxTokens:   int64(orDefault(req.MaxTokens, 1024)),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		metrics.RecordLLM(c.Name(), "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}

	// Extract content
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := &CompletionResponse{
		Content:    content.String(),
		Model:      string(resp.Model),
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	metrics.RecordLLM(c.Name(), "success", time.Since(start).Seconds(), out.TokensIn, out.TokensOut)

	return out, nil
}

// toAnthropicMessages splits system text from the dialogue. Assistant
// messages before the first user message (the seeded greeting) are moved
// into the system prompt since a conversation must open with a user turn.
func toAnthropicMessages(in []ChatMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(in))
	for _, msg := range in {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			if len(messages) == 0 {
				system = append(system, anthropic.TextBlockParam{
					Text: "Mensagem já enviada ao paciente: " + msg.Content,
				})
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system, messages
}
