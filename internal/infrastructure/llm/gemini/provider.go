package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	llm "github.com/cortexrt/assistant/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("gemini", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Google Gemini API via the official
// google.golang.org/genai client, replacing the teacher-style
// hand-rolled net/http+SSE transport this subpackage used before.
type Provider struct {
	name   string
	apiKey string
	models []string
	client *genai.Client
	logger *zap.Logger
}

// New creates a Google Gemini API provider. The genai client is built
// lazily-safe: construction never fails on a missing key (IsAvailable
// reports that), matching the other two providers' behavior.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		logger.Error("gemini client init failed", zap.Error(err))
	}

	return &Provider{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		models: cfg.Models,
		client: client,
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "gemini")),
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
	return p.apiKey != "" && p.client != nil
}

// Generate implements service.LLMClient (non-streaming).
func (p *Provider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	model, contents, config := p.buildRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return convertResponse(resp)
}

// GenerateStream implements service.LLMClient over the SDK's streaming
// iterator, accumulating parts into the same response shape Generate
// returns.
func (p *Provider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	model, contents, config := p.buildRequest(req)

	var (
		content    strings.Builder
		modelUsed  string
		tokensUsed int
		toolCalls  []entity.ToolCallInfo
	)

	for chunk, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if chunk.ModelVersion != "" {
			modelUsed = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			tokensUsed = int(chunk.UsageMetadata.TotalTokenCount)
		}
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
				deltaCh <- service.StreamChunk{DeltaText: part.Text}
			}
			if part.FunctionCall != nil {
				tc := entity.ToolCallInfo{
					ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls)),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				}
				toolCalls = append(toolCalls, tc)
				deltaCh <- service.StreamChunk{DeltaToolCall: &tc}
			}
		}
	}

	return &service.LLMResponse{
		Content:    content.String(),
		ModelUsed:  modelUsed,
		TokensUsed: tokensUsed,
		ToolCalls:  toolCalls,
	}, nil
}

// --- Internal ---

func (p *Provider) buildRequest(req *service.LLMRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			config.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)

		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		case "tool":
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.Name,
						Response: map[string]interface{}{"output": msg.Content},
					},
				}},
			})

		default: // user
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, td := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  convertSchema(td.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return model, contents, config
}

func convertSchema(schema map[string]interface{}) *genai.Schema {
	props := map[string]*genai.Schema{}
	var required []string
	if schema != nil {
		if p, ok := schema["properties"].(map[string]interface{}); ok {
			for name, raw := range p {
				if m, ok := raw.(map[string]interface{}); ok {
					props[name] = &genai.Schema{Type: genai.TypeString, Description: fmt.Sprint(m["description"])}
				}
			}
		}
		if r, ok := schema["required"].([]string); ok {
			required = r
		}
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}

func convertResponse(resp *genai.GenerateContentResponse) (*service.LLMResponse, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty gemini response: no candidates")
	}

	out := &service.LLMResponse{}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, entity.ToolCallInfo{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(out.ToolCalls)),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}

	out.ModelUsed = resp.ModelVersion
	return out, nil
}
