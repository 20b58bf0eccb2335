package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// DefaultOpenAIModel is used when neither the request nor the handler names
// a model.
const DefaultOpenAIModel = "gpt-4o-mini"

// MetaProviderID holds the completion ID assigned by the provider. The
// response ID itself stays equal to the request ID.
const MetaProviderID = "provider_id"

// MetaToolCalls holds the tool calls requested by the model.
const MetaToolCalls = "tool_calls"

// ErrToolExecution is returned when a tool execution request reaches a model
// handler.
var ErrToolExecution = errors.New("model handler cannot execute tool calls")

// OpenAIOption configures the OpenAI handler.
type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	baseURL    string
	httpClient *http.Client
	model      string
}

// WithBaseURL sets a custom base URL, for OpenAI-compatible endpoints.
func WithBaseURL(url string) OpenAIOption {
	return func(o *openAIOptions) {
		o.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(o *openAIOptions) {
		o.httpClient = client
	}
}

// WithModel sets the model used when the request does not name one.
func WithModel(model string) OpenAIOption {
	return func(o *openAIOptions) {
		o.model = model
	}
}

// OpenAI returns a handler that sends requests to the chat completions API.
func OpenAI(apiKey string, opts ...OpenAIOption) ports.Handler {
	o := openAIOptions{model: DefaultOpenAIModel}
	for _, opt := range opts {
		opt(&o)
	}
	if o.model == "" {
		o.model = DefaultOpenAIModel
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}
	client := openai.NewClientWithConfig(cfg)

	return func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if req.ToolCall != nil {
			return nil, fmt.Errorf("%w: %s", ErrToolExecution, req.ToolCall.Name)
		}
		model := req.Model
		if model == "" {
			model = o.model
		}

		resp, err := client.CreateChatCompletion(ctx, toOpenAIRequest(req, model))
		if err != nil {
			return nil, fmt.Errorf("openai chat completion: %w", err)
		}
		return fromOpenAIResponse(req, resp)
	}
}

func toOpenAIRequest(req *domain.Request, model string) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    model,
		User:     req.UserID,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIResponse(req *domain.Request, resp openai.ChatCompletionResponse) (*domain.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion %s: no choices returned", resp.ID)
	}
	choice := resp.Choices[0]

	out := &domain.Response{
		ID:           req.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if resp.ID != "" {
		out.SetMeta(MetaProviderID, resp.ID)
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]domain.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			call := domain.ToolCall{ID: tc.ID, Name: tc.Function.Name}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
					return nil, fmt.Errorf("decode arguments for tool %s: %w", tc.Function.Name, err)
				}
			}
			calls = append(calls, call)
		}
		out.SetMeta(MetaToolCalls, calls)
	}
	return out, nil
}
