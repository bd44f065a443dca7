package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	llm "github.com/cortexrt/assistant/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Anthropic Messages API via the official
// anthropic-sdk-go client, replacing the hand-rolled net/http+SSE
// transport the teacher's llm/anthropic subpackage used.
type Provider struct {
	name    string
	apiKey  string
	models  []string
	client  anthropic.Client
	logger  *zap.Logger
}

// New creates an Anthropic API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		models: cfg.Models,
		client: anthropic.NewClient(opts...),
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string      { return p.name }
func (p *Provider) Models() []string  { return p.models }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Generate implements service.LLMClient (non-streaming).
func (p *Provider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	params := p.buildParams(req)

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	return convertMessage(message), nil
}

// GenerateStream implements service.LLMClient, streaming via the SDK's
// server-sent-events stream and Message.Accumulate to build the final
// response the same shape Generate returns.
func (p *Provider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)

	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			p.logger.Warn("anthropic stream accumulate", zap.Error(err))
			continue
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					deltaCh <- service.StreamChunk{DeltaText: deltaVariant.Text}
				}
			}
		case anthropic.MessageDeltaEvent:
			if eventVariant.Delta.StopReason != "" {
				deltaCh <- service.StreamChunk{FinishReason: string(eventVariant.Delta.StopReason)}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp := convertMessage(&message)
	for _, tc := range resp.ToolCalls {
		tc := tc
		deltaCh <- service.StreamChunk{DeltaToolCall: &tc}
	}
	return resp, nil
}

// --- Internal ---

func (p *Provider) buildParams(req *service.LLMRequest) anthropic.MessageNewParams {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 8192 // Anthropic requires an explicit max_tokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			params.System = []anthropic.TextBlockParam{{Text: msg.Content}}

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}

		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		default: // user
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	params.Messages = messages

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        td.Name,
				Description: anthropic.String(td.Description),
				InputSchema: convertSchema(td.Parameters),
			},
		})
	}

	return params
}

func convertSchema(schema map[string]interface{}) anthropic.ToolInputSchemaParam {
	props := map[string]interface{}{}
	if schema != nil {
		if p, ok := schema["properties"].(map[string]interface{}); ok {
			props = p
		}
	}
	var required []string
	if schema != nil {
		if r, ok := schema["required"].([]string); ok {
			required = r
		}
	}
	return anthropic.ToolInputSchemaParam{
		Properties: props,
		Required:   required,
	}
}

func convertMessage(message *anthropic.Message) *service.LLMResponse {
	resp := &service.LLMResponse{
		ModelUsed:  string(message.Model),
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if len(variant.Input) > 0 {
				_ = json.Unmarshal(variant.Input, &args)
			}
			resp.ToolCalls = append(resp.ToolCalls, entity.ToolCallInfo{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}

	return resp
}
