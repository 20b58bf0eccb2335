// Package domain holds the request and response types that flow through an
// interception pipeline.
package domain

import (
	"maps"
	"slices"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReasonAborted marks a response synthesized by the pipeline when an
// invocation halts or fails before a real response exists.
const FinishReasonAborted = "aborted"

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall is a tool invocation. A request carrying a ToolCall represents the
// execution of that tool rather than a model call.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Request is the unit of work a pipeline invocation transforms before it is
// handed to the terminal handler. A Request is owned by exactly one
// invocation and must not be shared between concurrent invocations.
type Request struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id,omitempty"`
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	ToolCall *ToolCall        `json:"tool_call,omitempty"`

	// Metadata carries annotations attached by stages (running token
	// counts, summarization markers, ...).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Meta returns the metadata value stored under key.
func (r *Request) Meta(key string) (any, bool) {
	if r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *Request) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// Clone returns a copy of the request whose slices and metadata map can be
// mutated without affecting the original.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Messages = slices.Clone(r.Messages)
	c.Tools = slices.Clone(r.Tools)
	c.Metadata = maps.Clone(r.Metadata)
	if r.ToolCall != nil {
		tc := *r.ToolCall
		tc.Arguments = maps.Clone(r.ToolCall.Arguments)
		c.ToolCall = &tc
	}
	return &c
}

// Text returns the message contents joined by newlines.
func (r *Request) Text() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result produced by the handler and transformed by each
// stage's after hook.
type Response struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	Content      string         `json:"content"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        Usage          `json:"usage"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Aborted is set on responses synthesized by the pipeline while
	// unwinding a halted or failed invocation.
	Aborted bool `json:"aborted,omitempty"`
	// AbortCause is the error that caused the abort.
	AbortCause error `json:"-"`
}

// Meta returns the metadata value stored under key.
func (r *Response) Meta(key string) (any, bool) {
	if r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *Response) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// NewAbortResponse builds the response handed to already entered stages when
// an invocation is unwound.
func NewAbortResponse(req *Request, cause error) *Response {
	resp := &Response{
		FinishReason: FinishReasonAborted,
		Aborted:      true,
		AbortCause:   cause,
	}
	if req != nil {
		resp.ID = req.ID
		resp.Model = req.Model
	}
	if cause != nil {
		resp.SetMeta("abort_reason", cause.Error())
	}
	return resp
}
