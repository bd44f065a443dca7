package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// ClientResolver looks up a constructed LLMClient for a provider name,
// e.g. backed by the llm.Router's registered providers. Returns false if
// no API key/config is available for that provider.
type ClientResolver func(provider string) (LLMClient, bool)

// ResilientClient wraps a primary LLMClient and walks a per-role
// fallback chain on a retryable failure, per spec.md §4.2. Retryable
// classification is delegated to ClassifyError/IsRetryable (llm_errors.go),
// which is the single closed-set source of truth for what counts as
// transient; everything else propagates unchanged.
type ResilientClient struct {
	primary  LLMClient
	selector *ModelSelector
	resolve  ClientResolver
	tracker  *TokenTracker
	deviceID string
	agentID  string
}

// NewResilientClient builds a client for one call site; deviceID/agentID
// are stamped onto every recorded token usage row.
func NewResilientClient(primary LLMClient, selector *ModelSelector, resolve ClientResolver, tracker *TokenTracker, deviceID, agentID string) *ResilientClient {
	return &ResilientClient{primary: primary, selector: selector, resolve: resolve, tracker: tracker, deviceID: deviceID, agentID: agentID}
}

var _ LLMClient = (*ResilientClient)(nil)

// Generate implements LLMClient, retrying across FALLBACK_CHAINS[role] on
// a retryable error.
func (c *ResilientClient) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	role := roleFromModel(req.Model)

	resp, err := c.primary.Generate(ctx, req)
	if err == nil {
		c.record(req.Model, string(role), resp.TokensUsed)
		return resp, nil
	}

	classified := ClassifyError(err, "primary", req.Model)
	if !classified.IsRetryable() {
		return nil, err
	}

	for _, target := range c.selector.FallbackChain(role) {
		client, ok := c.resolve(target.Provider)
		if !ok {
			continue
		}
		fallbackReq := *req
		fallbackReq.Model = target.Model
		resp, fbErr := client.Generate(ctx, &fallbackReq)
		if fbErr != nil {
			if !ClassifyError(fbErr, target.Provider, target.Model).IsRetryable() {
				return nil, fbErr
			}
			continue
		}
		c.record(target.Model, string(role), resp.TokensUsed)
		return resp, nil
	}

	return nil, fmt.Errorf("resilient client: all fallback providers exhausted for role %s: %w", role, err)
}

// GenerateStream implements LLMClient. A terminal {done:true} chunk must
// always reach the caller even when falling back mid-stream, so on a
// retryable stream error this restarts the stream against the next
// provider rather than propagating a half-finished one.
func (c *ResilientClient) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	role := roleFromModel(req.Model)

	resp, err := c.primary.GenerateStream(ctx, req, deltaCh)
	if err == nil {
		c.record(req.Model, string(role), resp.TokensUsed)
		return resp, nil
	}

	classified := ClassifyError(err, "primary", req.Model)
	if !classified.IsRetryable() {
		return nil, err
	}

	for _, target := range c.selector.FallbackChain(role) {
		client, ok := c.resolve(target.Provider)
		if !ok {
			continue
		}
		fallbackReq := *req
		fallbackReq.Model = target.Model
		resp, fbErr := client.GenerateStream(ctx, &fallbackReq, deltaCh)
		if fbErr != nil {
			if !ClassifyError(fbErr, target.Provider, target.Model).IsRetryable() {
				return nil, fbErr
			}
			continue
		}
		c.record(target.Model, string(role), resp.TokensUsed)
		return resp, nil
	}

	return nil, fmt.Errorf("resilient client: all fallback streaming providers exhausted for role %s: %w", role, err)
}

func (c *ResilientClient) record(model, role string, tokensUsed int) {
	if c.tracker == nil {
		return
	}
	c.tracker.Record(entity.TokenUsageRow{
		DeviceID:     c.deviceID,
		Timestamp:    time.Now(),
		Model:        model,
		Role:         role,
		OutputTokens: int64(tokensUsed),
		AgentID:      c.agentID,
	})
}

// roleFromModel is a last-resort role tag for token accounting when the
// caller didn't thread an explicit role through the request; real role
// assignment happens at Model Selector time, before the model string is
// fixed in the request.
func roleFromModel(model string) ModelRole {
	return ModelRole("model:" + model)
}
