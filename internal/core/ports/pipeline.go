// Package ports defines the core interfaces of the interception pipeline.
// This file contains the stage capability interfaces and the handler type.
package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
)

// Handler is the terminal operation a pipeline wraps, typically a model call.
type Handler func(ctx context.Context, req *domain.Request) (*domain.Response, error)

// Stage is a named interception unit. A Stage implements any subset of
// BeforeStage, AfterStage and Halter; hooks it does not implement behave as
// the identity.
type Stage interface {
	// Name returns the identifier reported in errors and logs.
	Name() string
}

// BeforeStage transforms the request on the way in.
type BeforeStage interface {
	Stage
	Before(ctx context.Context, req *domain.Request) (*domain.Request, error)
}

// AfterStage transforms the response on the way out. It is also called with
// a synthesized abort response when an invocation is unwound after the
// stage was entered.
type AfterStage interface {
	Stage
	After(ctx context.Context, resp *domain.Response) (*domain.Response, error)
}

// Halter can short-circuit an invocation before its Before hook runs. A
// non-nil error is the halt reason.
type Halter interface {
	Stage
	HaltsWith(ctx context.Context, req *domain.Request) error
}

// Executor runs requests through an ordered set of stages.
type Executor interface {
	Execute(ctx context.Context, req *domain.Request, handler Handler) (*domain.Response, error)
}
