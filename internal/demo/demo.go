// Package demo contains the scripted scenarios that show each stage, and
// stacks of stages, acting on model calls. Every scenario runs against any
// handler and reports what happened as a Result.
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/handler"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pipeline"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/tokens"
)

// DefaultModel is requested by every scenario.
const DefaultModel = "gpt-3.5-turbo"

// Env holds the collaborators scenarios run against.
type Env struct {
	// Handler answers model calls. Defaults to a simulated handler.
	Handler ports.Handler
	// Counter counts tokens for logging and budget stages.
	Counter domain.TokenCounter
	Logger  *slog.Logger
}

func (e Env) withDefaults() Env {
	if e.Handler == nil {
		e.Handler = Simulated().Handle
	}
	if e.Counter == nil {
		e.Counter = tokens.Default()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

// Simulated returns the handler used when no model is configured. It
// answers with a canned reply quoting the last user message.
func Simulated() *handler.StaticHandler {
	return handler.StaticFunc(func(req *domain.Request) string {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == domain.RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		return fmt.Sprintf("[simulated] You asked: %q. Here is a helpful answer.", last)
	})
}

// Result reports the outcome of one scenario.
type Result struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	// Stages is the pipeline order of the last pipeline the scenario ran.
	Stages    []string           `json:"stages,omitempty"`
	Responses []*domain.Response `json:"responses"`
	Errors    []error            `json:"-"`
	// Sent holds the requests as the handler received them, after every
	// Before hook ran.
	Sent     []*domain.Request `json:"sent"`
	Counters map[string]int64  `json:"counters"`
	Notes    []string          `json:"notes,omitempty"`
}

func newResult(s Scenario) *Result {
	return &Result{Number: s.Number, Name: s.Name, Counters: make(map[string]int64)}
}

func (r *Result) record(resp *domain.Response, err error) {
	r.Responses = append(r.Responses, resp)
	r.Errors = append(r.Errors, err)
}

// Halted returns how many invocations were halted by a stage.
func (r *Result) Halted() int {
	n := 0
	for _, err := range r.Errors {
		if pipeline.IsHalted(err) {
			n++
		}
	}
	return n
}

func (r *Result) notef(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Scenario is one scripted demonstration.
type Scenario struct {
	Number  int
	Name    string
	UseCase string
	Run     func(ctx context.Context, env Env) (*Result, error)
}

// Scenarios returns the demonstrations in presentation order.
func Scenarios() []Scenario {
	return []Scenario{
		{1, "Logging", "Track every model call for debugging and audit trails", runLogging},
		{2, "Token Budget", "Stop runaway costs by enforcing token and request limits", runTokenBudget},
		{3, "Context Summarization", "Condense long conversations before they overflow the context window", runSummarization},
		{4, "PII Filtering", "Keep emails and phone numbers away from the model", runPIIFilter},
		{5, "Personalization", "Adapt the system prompt to the user's expertise", runPersonalization},
		{6, "Stage Stack", "Compose logging, filtering, budgeting and personalization", runStack},
		{7, "Old vs New", "Inline context management compared with a pipeline", runOldVsNew},
	}
}

// Run executes scenario n (1-based).
func Run(ctx context.Context, n int, env Env) (*Result, error) {
	all := Scenarios()
	if n < 1 || n > len(all) {
		return nil, fmt.Errorf("unknown demo %d (choose 1-%d)", n, len(all))
	}
	return all[n-1].Run(ctx, env.withDefaults())
}

// RunAll executes every scenario in order, stopping at the first error.
func RunAll(ctx context.Context, env Env) ([]*Result, error) {
	var results []*Result
	for _, s := range Scenarios() {
		res, err := s.Run(ctx, env.withDefaults())
		if err != nil {
			return results, fmt.Errorf("demo %d (%s): %w", s.Number, s.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// recorder captures what reaches the handler.
type recorder struct {
	next ports.Handler

	mu   sync.Mutex
	seen []*domain.Request
}

func (r *recorder) handle(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req.Clone())
	r.mu.Unlock()
	return r.next(ctx, req)
}

func (r *recorder) sent() []*domain.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Request(nil), r.seen...)
}

func conversation(userID string, msgs ...domain.Message) *domain.Request {
	return &domain.Request{UserID: userID, Model: DefaultModel, Messages: msgs}
}

func system(content string) domain.Message {
	return domain.Message{Role: domain.RoleSystem, Content: content}
}

func user(content string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: content}
}

func assistant(content string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: content}
}
