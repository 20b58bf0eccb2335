package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

const tracerName = "github.com/tjfontaine/polyglot-llm-middleware/internal/pipeline"

// ErrNilResponse is the cause reported when a handler returns neither a
// response nor an error.
var ErrNilResponse = errors.New("handler returned nil response")

// Pipeline runs requests through an ordered list of stages around a
// terminal handler. A Pipeline is immutable once built and safe for
// concurrent use as long as its stages are.
type Pipeline struct {
	stages       []resolvedStage
	logger       *slog.Logger
	tracer       trace.Tracer
	newID        func() string
	onTransition func(context.Context, Transition)
}

// resolvedStage caches the hooks a stage implements so Execute does no type
// assertions on the hot path.
type resolvedStage struct {
	name   string
	stage  ports.Stage
	before ports.BeforeStage
	after  ports.AfterStage
	halter ports.Halter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for transitions and outcomes.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer. Defaults to the global tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithIDGenerator sets the function used to assign IDs to requests that
// arrive without one.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// WithTransitionHook registers a callback invoked on every state change of
// every invocation. The callback runs synchronously on the invoking
// goroutine.
func WithTransitionHook(fn func(context.Context, Transition)) Option {
	return func(p *Pipeline) {
		p.onTransition = fn
	}
}

// New builds a pipeline from stages in the given order. Stages are neither
// reordered nor de-duplicated.
func New(stages []ports.Stage, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		stages: make([]resolvedStage, 0, len(stages)),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		newID:  uuid.NewString,
	}

	for i, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("pipeline stage %d is nil", i)
		}
		name := s.Name()
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("pipeline stage %d has an empty name", i)
		}

		rs := resolvedStage{name: name, stage: s}
		rs.before, _ = s.(ports.BeforeStage)
		rs.after, _ = s.(ports.AfterStage)
		rs.halter, _ = s.(ports.Halter)
		p.stages = append(p.stages, rs)
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Execute runs req through every stage and handler. The handler is invoked
// at most once. On error the returned response is nil and the error is a
// *Error.
func (p *Pipeline) Execute(ctx context.Context, req *domain.Request, handler ports.Handler) (*domain.Response, error) {
	if req == nil {
		return nil, errors.New("pipeline: request is nil")
	}
	if handler == nil {
		return nil, errors.New("pipeline: handler is nil")
	}
	if req.ID == "" {
		req.ID = p.newID()
	}

	ctx = ports.WithRequestID(ctx, req.ID)
	ctx = ports.WithInvocation(ctx, uuid.NewString())
	ctx, span := p.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int("pipeline.stages", len(p.stages)),
	))
	defer span.End()

	inv := &invocation{p: p, span: span, requestID: req.ID}
	inv.transition(ctx, PhaseNotStarted, -1)

	resp, perr := inv.run(ctx, req, handler)
	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		inv.transition(ctx, PhaseFailed, -1)
		p.logFailure(ctx, req.ID, perr)
		return nil, perr
	}

	span.SetStatus(codes.Ok, "")
	inv.transition(ctx, PhaseDone, -1)
	return resp, nil
}

func (p *Pipeline) logFailure(ctx context.Context, requestID string, perr *Error) {
	attrs := []any{
		slog.String("request_id", requestID),
		slog.String("kind", perr.Kind.String()),
		slog.String("error", perr.Cause.Error()),
	}
	if perr.Stage != "" {
		attrs = append(attrs, slog.String("stage", perr.Stage))
	}
	if len(perr.Suppressed) > 0 {
		attrs = append(attrs, slog.Int("suppressed", len(perr.Suppressed)))
	}

	if perr.Kind == KindHalted {
		p.logger.InfoContext(ctx, "pipeline halted", attrs...)
		return
	}
	p.logger.WarnContext(ctx, "pipeline failed", attrs...)
}

// invocation holds the per-call state of one Execute.
type invocation struct {
	p         *Pipeline
	span      trace.Span
	requestID string
}

func (inv *invocation) run(ctx context.Context, req *domain.Request, handler ports.Handler) (*domain.Response, *Error) {
	stages := inv.p.stages
	current := req

	for i, s := range stages {
		inv.transition(ctx, PhaseEntering, i)

		if s.halter != nil {
			var halt error
			if err := guard(func() error {
				halt = s.halter.HaltsWith(ctx, current)
				return nil
			}); err != nil {
				return nil, inv.abort(ctx, current, i, &Error{Kind: KindStageFailure, Stage: s.name, Phase: PhaseEntering, Cause: err})
			}
			if halt != nil {
				return nil, inv.abort(ctx, current, i, &Error{Kind: KindHalted, Stage: s.name, Phase: PhaseEntering, Cause: halt})
			}
		}

		if s.before != nil {
			var next *domain.Request
			if err := guard(func() (err error) {
				next, err = s.before.Before(ctx, current)
				return err
			}); err != nil {
				return nil, inv.abort(ctx, current, i, &Error{Kind: KindStageFailure, Stage: s.name, Phase: PhaseEntering, Cause: err})
			}
			if next != nil {
				current = next
			}
		}
	}

	inv.transition(ctx, PhaseHandler, -1)
	var resp *domain.Response
	err := guard(func() (err error) {
		resp, err = handler(ctx, current)
		return err
	})
	if err == nil && resp == nil {
		err = ErrNilResponse
	}
	if err != nil {
		return nil, inv.abort(ctx, current, len(stages), &Error{Kind: KindHandlerFailure, Phase: PhaseHandler, Cause: err})
	}

	for j := len(stages) - 1; j >= 0; j-- {
		s := stages[j]
		inv.transition(ctx, PhaseExiting, j)
		if s.after == nil {
			continue
		}

		var next *domain.Response
		if err := guard(func() (err error) {
			next, err = s.after.After(ctx, resp)
			return err
		}); err != nil {
			return nil, inv.abort(ctx, current, j, &Error{Kind: KindStageFailure, Stage: s.name, Phase: PhaseExiting, Cause: err})
		}
		if next != nil {
			resp = next
		}
	}

	return resp, nil
}

// abort unwinds the stages in [0, entered) in reverse order, handing their
// After hooks a synthesized abort response. Cleanup failures are attached
// to perr as suppressed errors.
func (inv *invocation) abort(ctx context.Context, req *domain.Request, entered int, perr *Error) *Error {
	stages := inv.p.stages

	at := entered
	if at >= len(stages) {
		at = -1
	}
	inv.transition(ctx, PhaseAborting, at)

	resp := domain.NewAbortResponse(req, perr)
	for j := entered - 1; j >= 0; j-- {
		s := stages[j]
		inv.transition(ctx, PhaseExiting, j)
		if s.after == nil {
			continue
		}

		var next *domain.Response
		if err := guard(func() (err error) {
			next, err = s.after.After(ctx, resp)
			return err
		}); err != nil {
			perr.Suppressed = append(perr.Suppressed, fmt.Errorf("stage %s: %w", s.name, err))
			inv.p.logger.WarnContext(ctx, "stage cleanup failed",
				slog.String("request_id", inv.requestID),
				slog.String("stage", s.name),
				slog.String("error", err.Error()))
			continue
		}
		if next != nil {
			resp = next
		}
	}

	return perr
}

func (inv *invocation) transition(ctx context.Context, phase Phase, index int) {
	t := Transition{RequestID: inv.requestID, Phase: phase, Index: index}
	if index >= 0 && index < len(inv.p.stages) {
		t.Stage = inv.p.stages[index].name
	}

	inv.span.AddEvent("pipeline."+phase.String(), trace.WithAttributes(
		attribute.String("stage", t.Stage),
		attribute.Int("stage.index", index),
	))
	inv.p.logger.DebugContext(ctx, "pipeline transition",
		slog.String("request_id", inv.requestID),
		slog.String("phase", phase.String()),
		slog.String("stage", t.Stage))

	if inv.p.onTransition != nil {
		inv.p.onTransition(ctx, t)
	}
}

// guard runs fn and converts a panic into an error wrapping ErrPanic.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// Ensure Pipeline implements the interface.
var _ ports.Executor = (*Pipeline)(nil)
