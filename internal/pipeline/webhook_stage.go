package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pkg/safehttp"
)

// WebhookAction is the decision returned by a webhook.
type WebhookAction string

const (
	ActionAllow  WebhookAction = "allow"
	ActionDeny   WebhookAction = "deny"
	ActionMutate WebhookAction = "mutate"
)

// Webhook phases.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
)

// FinishReasonContentFilter marks a response squelched by a webhook.
const FinishReasonContentFilter = "content_filter"

// maxWebhookResponseBytes bounds a webhook answer.
const maxWebhookResponseBytes = 1 << 20

// WebhookInput is the JSON body posted to a webhook.
type WebhookInput struct {
	Phase     string           `json:"phase"`
	Stage     string           `json:"stage"`
	RequestID string           `json:"request_id"`
	Request   *domain.Request  `json:"request,omitempty"`
	Response  *domain.Response `json:"response,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// WebhookOutput is the JSON body a webhook answers with.
type WebhookOutput struct {
	Action     WebhookAction    `json:"action"`
	DenyReason string           `json:"deny_reason,omitempty"`
	Request    *domain.Request  `json:"request,omitempty"`
	Response   *domain.Response `json:"response,omitempty"`
}

// DeniedError is the halt or failure cause when a webhook denies.
type DeniedError struct {
	StageName string
	Reason    string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("denied by %s", e.StageName)
	}
	return fmt.Sprintf("denied by %s: %s", e.StageName, e.Reason)
}

// WebhookStageConfig configures a webhook stage.
type WebhookStageConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	OnError WebhookAction // allow or deny (default: deny)
	Retries int
	// Squelch blanks a denied response instead of failing the invocation.
	Squelch bool
	Headers map[string]string
	// BlockPrivate refuses connections to private and loopback addresses.
	BlockPrivate bool
	// Transport overrides the base round tripper.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// WebhookStage delegates allow/deny/mutate decisions to an external HTTP
// endpoint, once for the request and once for the response.
type WebhookStage struct {
	name    string
	url     string
	onError WebhookAction
	retries int
	squelch bool
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	// mutations holds request rewrites decided in HaltsWith until Before
	// applies them, keyed by invocation.
	mutations sync.Map
}

var (
	_ ports.Halter      = (*WebhookStage)(nil)
	_ ports.BeforeStage = (*WebhookStage)(nil)
	_ ports.AfterStage  = (*WebhookStage)(nil)
)

// NewWebhookStage creates a new webhook stage.
func NewWebhookStage(cfg WebhookStageConfig) *WebhookStage {
	onError := cfg.OnError
	if onError == "" {
		onError = ActionDeny
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
		if cfg.BlockPrivate {
			base = safehttp.SafeTransport
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookStage{
		name:    cfg.Name,
		url:     cfg.URL,
		onError: onError,
		retries: cfg.Retries,
		squelch: cfg.Squelch,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		logger: logger,
	}
}

// Name returns the stage identifier.
func (s *WebhookStage) Name() string {
	return s.name
}

// HaltsWith posts the request phase. A deny decision halts the invocation.
func (s *WebhookStage) HaltsWith(ctx context.Context, req *domain.Request) error {
	out, err := s.call(ctx, &WebhookInput{
		Phase:     PhaseRequest,
		Stage:     s.name,
		RequestID: req.ID,
		Request:   req,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return s.onFailure(ctx, err)
	}

	switch out.Action {
	case ActionDeny:
		return &DeniedError{StageName: s.name, Reason: out.DenyReason}
	case ActionMutate:
		if out.Request != nil {
			s.mutations.Store(ports.InvocationFrom(ctx), out.Request)
		}
	}
	return nil
}

// Before applies a mutation decided by the request phase. Identity fields
// of the request are kept.
func (s *WebhookStage) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	v, ok := s.mutations.LoadAndDelete(ports.InvocationFrom(ctx))
	if !ok {
		return req, nil
	}
	mutated := v.(*domain.Request)
	mutated.ID = req.ID
	if mutated.UserID == "" {
		mutated.UserID = req.UserID
	}
	if mutated.Model == "" {
		mutated.Model = req.Model
	}
	return mutated, nil
}

// After posts the response phase. Aborted responses are passed through
// without a call.
func (s *WebhookStage) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	if resp.Aborted {
		return resp, nil
	}

	out, err := s.call(ctx, &WebhookInput{
		Phase:     PhaseResponse,
		Stage:     s.name,
		RequestID: ports.RequestIDFrom(ctx),
		Response:  resp,
		Metadata:  resp.Metadata,
	})
	if err != nil {
		if ferr := s.onFailure(ctx, err); ferr != nil {
			return nil, ferr
		}
		return resp, nil
	}

	switch out.Action {
	case ActionMutate:
		if out.Response != nil {
			out.Response.ID = resp.ID
			return out.Response, nil
		}
	case ActionDeny:
		if !s.squelch {
			return nil, &DeniedError{StageName: s.name, Reason: out.DenyReason}
		}
		resp.Content = ""
		resp.FinishReason = FinishReasonContentFilter
		resp.SetMeta("webhook.denied_by", s.name)
		if out.DenyReason != "" {
			resp.SetMeta("webhook.deny_reason", out.DenyReason)
		}
	}
	return resp, nil
}

// onFailure applies the on_error policy to a webhook call that could not
// produce a decision.
func (s *WebhookStage) onFailure(ctx context.Context, err error) error {
	if s.onError == ActionAllow {
		s.logger.WarnContext(ctx, "webhook failed, allowing",
			slog.String("stage", s.name),
			slog.String("error", err.Error()))
		return nil
	}
	return &DeniedError{StageName: s.name, Reason: fmt.Sprintf("webhook error: %v", err)}
}

func (s *WebhookStage) call(ctx context.Context, in *WebhookInput) (*WebhookOutput, error) {
	var lastErr error

	attempts := s.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := s.doRequest(ctx, in)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *WebhookStage) doRequest(ctx context.Context, in *WebhookInput) (*WebhookOutput, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(respBody) > maxWebhookResponseBytes {
		return nil, fmt.Errorf("webhook response exceeds %d bytes", maxWebhookResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out WebhookOutput
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal webhook output: %w", err)
	}

	switch out.Action {
	case ActionAllow, ActionDeny, ActionMutate:
	case "":
		out.Action = ActionAllow
	default:
		return nil, fmt.Errorf("invalid action from webhook: %s", out.Action)
	}
	return &out, nil
}
