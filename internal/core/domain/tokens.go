package domain

import "context"

// TokenCountTool represents a tool for token counting purposes.
type TokenCountTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TokenCountRequest represents a request to count tokens.
type TokenCountRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	System   string           `json:"system,omitempty"`
	Tools    []TokenCountTool `json:"tools,omitempty"`
}

// TokenCountRequestFor builds a count request from a pipeline request.
func TokenCountRequestFor(req *Request) *TokenCountRequest {
	tcr := &TokenCountRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	for _, t := range req.Tools {
		tcr.Tools = append(tcr.Tools, TokenCountTool{Name: t.Name, Description: t.Description})
	}
	return tcr
}

// TokenCountResponse represents the response from counting tokens.
type TokenCountResponse struct {
	InputTokens int    `json:"input_tokens"`
	Model       string `json:"model,omitempty"`
	// Estimated indicates whether the count is an estimate (true) or exact (false)
	Estimated bool `json:"estimated,omitempty"`
}

// TokenCounter provides token counting capabilities.
type TokenCounter interface {
	// CountTokens counts the tokens in the given request.
	CountTokens(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)

	// SupportsModel returns true if this counter supports the given model.
	SupportsModel(model string) bool
}
