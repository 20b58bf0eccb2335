// Package interceptor provides the public API for embedding the
// interception pipeline. This is the stable API for external consumers.
package interceptor

import (
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/pipeline"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/runtime"
)

// Runtime owns a configuration-driven pipeline.
// See internal/runtime.Runtime for full documentation.
type Runtime = runtime.Runtime

// Option is a functional option for configuring a Runtime.
type Option = runtime.Option

// Core types
type (
	Request        = domain.Request
	Response       = domain.Response
	Message        = domain.Message
	ToolDefinition = domain.ToolDefinition
	ToolCall       = domain.ToolCall
	Usage          = domain.Usage

	Handler     = ports.Handler
	Stage       = ports.Stage
	BeforeStage = ports.BeforeStage
	AfterStage  = ports.AfterStage
	Halter      = ports.Halter

	Pipeline = pipeline.Pipeline
	Error    = pipeline.Error
)

// New creates a new Runtime with the given options.
// Example:
//
//	rt, err := interceptor.New(
//	    interceptor.WithFileConfig("config.yaml"),
//	    interceptor.WithSQLite("./data/ledger.db"),
//	)
var New = runtime.New

// NewPipeline builds a pipeline directly from stage values.
var NewPipeline = pipeline.New

// Error inspection
var (
	IsHalted = pipeline.IsHalted
	HaltedBy = pipeline.HaltedBy
	KindOf   = pipeline.KindOf
)

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite       = runtime.WithSQLite
	WithMemoryLedger = runtime.WithMemoryLedger
	WithLedger       = runtime.WithLedger
	WithProfiles     = runtime.WithProfiles

	// Execution
	WithHandler    = runtime.WithHandler
	WithCounter    = runtime.WithCounter
	WithRegisterer = runtime.WithRegisterer

	// Advanced options
	WithLogger = runtime.WithLogger
)
