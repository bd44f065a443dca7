package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	llm "github.com/cortexrt/assistant/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the real OpenAI Chat Completions API via the
// official openai-go client, replacing the teacher's raw net/http
// client for this subpackage (which `llm.OpenAIBuiltinProvider`
// ("openai-compat") still covers for non-OpenAI-compatible gateways —
// see DESIGN.md).
type Provider struct {
	name   string
	apiKey string
	models []string
	client openai.Client
	logger *zap.Logger
}

// New creates an OpenAI API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		models: cfg.Models,
		client: openai.NewClient(opts...),
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "openai")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Models() []string { return p.models }

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

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return convertCompletion(completion)
}

// GenerateStream implements service.LLMClient, accumulating the SDK's
// chunked stream with openai.ChatCompletionAccumulator into the same
// response shape Generate returns.
func (p *Provider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	params := p.buildParams(req)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				deltaCh <- service.StreamChunk{DeltaText: delta.Content}
			}
			if reason := chunk.Choices[0].FinishReason; reason != "" {
				deltaCh <- service.StreamChunk{FinishReason: reason}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	resp, err := convertCompletion(&acc.ChatCompletion)
	if err != nil {
		return nil, err
	}
	for _, tc := range resp.ToolCalls {
		tc := tc
		deltaCh <- service.StreamChunk{DeltaToolCall: &tc}
	}
	return resp, nil
}

// --- Internal ---

func (p *Provider) buildParams(req *service.LLMRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: marshalArgs(tc.Arguments),
					},
				})
			}
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)},
					ToolCalls: toolCalls,
				},
			})

		case "tool":
			params.Messages = append(params.Messages, openai.ToolMessage(msg.Content, msg.ToolCallID))

		default: // user
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        td.Name,
				Description: openai.String(td.Description),
				Parameters:  convertSchema(td.Parameters),
			},
		})
	}

	return params
}

func convertSchema(schema map[string]interface{}) openai.FunctionParameters {
	if schema == nil {
		return openai.FunctionParameters{"type": "object", "properties": map[string]interface{}{}}
	}
	result := openai.FunctionParameters{}
	for k, v := range schema {
		result[k] = v
	}
	if _, ok := result["type"]; !ok {
		result["type"] = "object"
	}
	return result
}

func marshalArgs(args map[string]interface{}) string {
	if args == nil {
		return "{}"
	}
	b, _ := json.Marshal(args)
	return string(b)
}

func convertCompletion(completion *openai.ChatCompletion) (*service.LLMResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response, no choices")
	}

	choice := completion.Choices[0]
	resp := &service.LLMResponse{
		Content:    choice.Message.Content,
		ModelUsed:  completion.Model,
		TokensUsed: int(completion.Usage.TotalTokens),
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCallInfo{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return resp, nil
}
