package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// callLog is a shared ordered log of hook calls.
type callLog struct {
	mu     sync.Mutex
	events []string
}

func (l *callLog) add(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *callLog) count(suffix string) int {
	n := 0
	for _, e := range l.list() {
		if strings.HasSuffix(e, suffix) {
			n++
		}
	}
	return n
}

// mockStage implements every hook, records calls and returns configured
// failures.
type mockStage struct {
	name      string
	log       *callLog
	haltErr   error
	beforeErr error
	afterErr  error
	panicIn   string

	mu        sync.Mutex
	afterSeen []*domain.Response
}

func (s *mockStage) Name() string { return s.name }

func (s *mockStage) HaltsWith(ctx context.Context, req *domain.Request) error {
	if s.panicIn == "halt" {
		panic("boom in halt")
	}
	return s.haltErr
}

func (s *mockStage) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	s.log.add(s.name + ".before")
	if s.panicIn == "before" {
		panic("boom in before")
	}
	if s.beforeErr != nil {
		return nil, s.beforeErr
	}
	req.SetMeta("seen_by", appendSeen(req, s.name))
	return req, nil
}

func (s *mockStage) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	s.log.add(s.name + ".after")
	s.mu.Lock()
	s.afterSeen = append(s.afterSeen, resp)
	s.mu.Unlock()
	if s.afterErr != nil {
		return nil, s.afterErr
	}
	return resp, nil
}

func appendSeen(req *domain.Request, name string) []string {
	prev, _ := req.Meta("seen_by")
	seen, _ := prev.([]string)
	return append(seen, name)
}

// identityStage implements no hooks.
type identityStage struct{ name string }

func (s identityStage) Name() string { return s.name }

// transformStage rewrites the last message and the response content.
type transformStage struct {
	name string
	fn   func(string) string
}

func (s transformStage) Name() string { return s.name }

func (s transformStage) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	last := len(req.Messages) - 1
	req.Messages[last].Content = s.fn(req.Messages[last].Content)
	return req, nil
}

func (s transformStage) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	resp.Content = s.fn(resp.Content)
	return resp, nil
}

func echoHandler(log *callLog, calls *atomic.Int32) ports.Handler {
	return func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if log != nil {
			log.add("handler")
		}
		if calls != nil {
			calls.Add(1)
		}
		return &domain.Response{ID: req.ID, Model: req.Model, Content: req.Messages[len(req.Messages)-1].Content}, nil
	}
}

func newRequest(content string) *domain.Request {
	return &domain.Request{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: content}},
	}
}

func mustNew(t *testing.T, stages []ports.Stage, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(stages, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	if _, err := New([]ports.Stage{nil}); err == nil {
		t.Error("expected error for nil stage")
	}
	if _, err := New([]ports.Stage{identityStage{name: " "}}); err == nil {
		t.Error("expected error for empty stage name")
	}

	p := mustNew(t, []ports.Stage{identityStage{name: "a"}, identityStage{name: "a"}, identityStage{name: "b"}})
	if got := p.Stages(); !reflect.DeepEqual(got, []string{"a", "a", "b"}) {
		t.Errorf("Stages() = %v, want duplicates kept in order", got)
	}
	if p.Len() != 3 {
		t.Errorf("Len() = %d, want 3", p.Len())
	}
}

func TestPipeline_OrderProperty(t *testing.T) {
	log := &callLog{}
	a := &mockStage{name: "A", log: log}
	b := &mockStage{name: "B", log: log}
	p := mustNew(t, []ports.Stage{a, b})

	resp, err := p.Execute(context.Background(), newRequest("hi"), echoHandler(log, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("unexpected content %q", resp.Content)
	}

	want := []string{"A.before", "B.before", "handler", "B.after", "A.after"}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
}

func TestPipeline_HaltShortCircuit(t *testing.T) {
	log := &callLog{}
	budgetErr := errors.New("budget exceeded")
	a := &mockStage{name: "A", log: log}
	b := &mockStage{name: "B", log: log, haltErr: budgetErr}
	var calls atomic.Int32
	p := mustNew(t, []ports.Stage{a, b})

	resp, err := p.Execute(context.Background(), newRequest("hi"), echoHandler(log, &calls))
	if err == nil {
		t.Fatal("expected halt error")
	}
	if resp != nil {
		t.Errorf("expected nil response on halt, got %+v", resp)
	}
	if calls.Load() != 0 {
		t.Errorf("handler called %d times, want 0", calls.Load())
	}
	if !IsHalted(err) {
		t.Errorf("expected halted error, got %v", err)
	}
	if name, ok := HaltedBy(err); !ok || name != "B" {
		t.Errorf("HaltedBy() = %q, %v", name, ok)
	}
	if !errors.Is(err, budgetErr) {
		t.Error("expected error to wrap the halt cause")
	}

	want := []string{"A.before", "A.after"}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
	if len(b.afterSeen) != 0 {
		t.Error("halting stage must not receive After")
	}
	if len(a.afterSeen) != 1 || !a.afterSeen[0].Aborted {
		t.Fatalf("expected A to see one aborted response, got %+v", a.afterSeen)
	}
	if a.afterSeen[0].FinishReason != domain.FinishReasonAborted {
		t.Errorf("FinishReason = %q", a.afterSeen[0].FinishReason)
	}
	if !errors.Is(a.afterSeen[0].AbortCause, budgetErr) {
		t.Error("abort response should carry the halt cause")
	}
}

func TestPipeline_HandlerFailure(t *testing.T) {
	log := &callLog{}
	a := &mockStage{name: "A", log: log}
	b := &mockStage{name: "B", log: log}
	p := mustNew(t, []ports.Stage{a, b})

	upstream := errors.New("upstream 503")
	_, err := p.Execute(context.Background(), newRequest("hi"), func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		return nil, upstream
	})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Kind != KindHandlerFailure {
		t.Errorf("Kind = %v, want %v", perr.Kind, KindHandlerFailure)
	}
	if perr.Stage != "" {
		t.Errorf("Stage = %q, want empty", perr.Stage)
	}
	if perr.Phase != PhaseHandler {
		t.Errorf("Phase = %v, want %v", perr.Phase, PhaseHandler)
	}
	if !errors.Is(err, upstream) {
		t.Error("expected cause to match the handler error")
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
}

func TestPipeline_HandlerNilResponse(t *testing.T) {
	p := mustNew(t, nil)
	_, err := p.Execute(context.Background(), newRequest("hi"), func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		return nil, nil
	})
	if KindOf(err) != KindHandlerFailure || !errors.Is(err, ErrNilResponse) {
		t.Errorf("expected handler failure with ErrNilResponse, got %v", err)
	}
}

func TestPipeline_BeforeFailure(t *testing.T) {
	log := &callLog{}
	broken := errors.New("regex compile failed")
	a := &mockStage{name: "A", log: log}
	b := &mockStage{name: "B", log: log, beforeErr: broken}
	c := &mockStage{name: "C", log: log}
	var calls atomic.Int32
	p := mustNew(t, []ports.Stage{a, b, c})

	_, err := p.Execute(context.Background(), newRequest("hi"), echoHandler(log, &calls))

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Kind != KindStageFailure || perr.Stage != "B" || perr.Phase != PhaseEntering {
		t.Errorf("unexpected error: kind=%v stage=%q phase=%v", perr.Kind, perr.Stage, perr.Phase)
	}
	if IsHalted(err) {
		t.Error("stage failure must not be reported as a halt")
	}
	if calls.Load() != 0 {
		t.Error("handler must not run after a stage failure")
	}

	want := []string{"A.before", "B.before", "A.after"}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
}

func TestPipeline_AfterFailureKeepsPrimaryCause(t *testing.T) {
	log := &callLog{}
	primary := errors.New("after failed")
	cleanup := errors.New("cleanup failed")
	a := &mockStage{name: "A", log: log}
	b := &mockStage{name: "B", log: log, afterErr: cleanup}
	c := &mockStage{name: "C", log: log, afterErr: primary}
	p := mustNew(t, []ports.Stage{a, b, c})

	_, err := p.Execute(context.Background(), newRequest("hi"), echoHandler(log, nil))

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Stage != "C" || perr.Phase != PhaseExiting || !errors.Is(err, primary) {
		t.Errorf("primary error replaced: stage=%q phase=%v err=%v", perr.Stage, perr.Phase, err)
	}
	if len(perr.Suppressed) != 1 || !errors.Is(perr.Suppressed[0], cleanup) {
		t.Fatalf("expected cleanup failure as suppressed error, got %v", perr.Suppressed)
	}
	if errors.Is(err, cleanup) {
		t.Error("suppressed error must not be reachable through Unwrap")
	}

	want := []string{"A.before", "B.before", "C.before", "handler", "C.after", "B.after", "A.after"}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
	if !a.afterSeen[0].Aborted {
		t.Error("stages unwound after a failure should see the abort response")
	}
}

func TestPipeline_CleanupFailureDuringHalt(t *testing.T) {
	log := &callLog{}
	halt := errors.New("pii detected")
	a := &mockStage{name: "A", log: log, afterErr: errors.New("log sink closed")}
	b := &mockStage{name: "B", log: log, haltErr: halt}
	p := mustNew(t, []ports.Stage{a, b})

	_, err := p.Execute(context.Background(), newRequest("hi"), echoHandler(log, nil))

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Kind != KindHalted || !errors.Is(err, halt) {
		t.Errorf("halt replaced by cleanup failure: %v", err)
	}
	if len(perr.Suppressed) != 1 {
		t.Errorf("expected 1 suppressed error, got %d", len(perr.Suppressed))
	}
	if !strings.Contains(err.Error(), "suppressed") {
		t.Errorf("error message should mention suppressed errors: %q", err.Error())
	}
}

func TestPipeline_Symmetry(t *testing.T) {
	tests := []struct {
		name       string
		configure  func(stages []*mockStage)
		handlerErr error
	}{
		{name: "success", configure: func([]*mockStage) {}},
		{name: "halt at first", configure: func(s []*mockStage) { s[0].haltErr = errors.New("halt") }},
		{name: "halt in middle", configure: func(s []*mockStage) { s[2].haltErr = errors.New("halt") }},
		{name: "before failure", configure: func(s []*mockStage) { s[3].beforeErr = errors.New("fail") }},
		{name: "before panic", configure: func(s []*mockStage) { s[1].panicIn = "before" }},
		{name: "halt panic", configure: func(s []*mockStage) { s[1].panicIn = "halt" }},
		{name: "handler failure", configure: func([]*mockStage) {}, handlerErr: errors.New("down")},
		{name: "after failure", configure: func(s []*mockStage) { s[2].afterErr = errors.New("fail") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			stages := make([]*mockStage, 4)
			ps := make([]ports.Stage, 4)
			for i := range stages {
				stages[i] = &mockStage{name: fmt.Sprintf("S%d", i), log: log}
				ps[i] = stages[i]
			}
			tt.configure(stages)

			handler := echoHandler(log, nil)
			if tt.handlerErr != nil {
				handler = func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
					return nil, tt.handlerErr
				}
			}

			p := mustNew(t, ps)
			_, _ = p.Execute(context.Background(), newRequest("hi"), handler)

			for _, s := range stages {
				entered := 0
				for _, e := range log.list() {
					if e == s.name+".before" && s.beforeErr == nil && s.panicIn != "before" {
						entered++
					}
				}
				if got := len(s.afterSeen); got != entered {
					t.Errorf("stage %s: %d after calls for %d entries", s.name, got, entered)
				}
			}
			if log.count(".after") > log.count(".before") {
				t.Errorf("more exits than entries: %v", log.list())
			}
		})
	}
}

func TestPipeline_PanicRecovered(t *testing.T) {
	log := &callLog{}
	a := &mockStage{name: "A", log: log}
	b := &mockStage{name: "B", log: log, panicIn: "before"}
	p := mustNew(t, []ports.Stage{a, b})

	_, err := p.Execute(context.Background(), newRequest("hi"), echoHandler(log, nil))
	if KindOf(err) != KindStageFailure || !errors.Is(err, ErrPanic) {
		t.Fatalf("expected stage failure wrapping ErrPanic, got %v", err)
	}

	clean := mustNew(t, []ports.Stage{a})
	_, err = clean.Execute(context.Background(), newRequest("hi"), func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		panic("handler exploded")
	})
	if KindOf(err) != KindHandlerFailure || !errors.Is(err, ErrPanic) {
		t.Errorf("expected handler failure wrapping ErrPanic, got %v", err)
	}
}

func TestPipeline_IdentityStages(t *testing.T) {
	handler := echoHandler(nil, nil)

	direct, err := handler(context.Background(), &domain.Request{ID: "req-1", Model: "gpt-4o", Messages: []domain.Message{{Role: domain.RoleUser, Content: "same"}}})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	for _, stages := range [][]ports.Stage{nil, {identityStage{name: "noop-1"}, identityStage{name: "noop-2"}}} {
		p := mustNew(t, stages)
		req := &domain.Request{ID: "req-1", Model: "gpt-4o", Messages: []domain.Message{{Role: domain.RoleUser, Content: "same"}}}
		got, err := p.Execute(context.Background(), req, handler)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(got, direct) {
			t.Errorf("pipeline with %d identity stages = %+v, want %+v", len(stages), got, direct)
		}
	}
}

func TestPipeline_OrderSensitivity(t *testing.T) {
	upper := transformStage{name: "upper", fn: strings.ToUpper}
	suffix := transformStage{name: "suffix", fn: func(s string) string { return s + "-x" }}

	run := func(stages ...ports.Stage) string {
		p := mustNew(t, stages)
		resp, err := p.Execute(context.Background(), newRequest("ab"), echoHandler(nil, nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return resp.Content
	}

	// Before runs forward and After in reverse, so each order produces a
	// different result.
	first := run(upper, suffix)
	second := run(suffix, upper)
	if first != "AB-X-X" {
		t.Errorf("[upper, suffix] = %q, want %q", first, "AB-X-X")
	}
	if second != "AB-X-x" {
		t.Errorf("[suffix, upper] = %q, want %q", second, "AB-X-x")
	}
}

func TestPipeline_AssignsRequestID(t *testing.T) {
	p := mustNew(t, nil, WithIDGenerator(func() string { return "fixed-id" }))

	req := newRequest("hi")
	resp, err := p.Execute(context.Background(), req, echoHandler(nil, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ID != "fixed-id" || resp.ID != "fixed-id" {
		t.Errorf("expected generated id, got req=%q resp=%q", req.ID, resp.ID)
	}

	req = newRequest("hi")
	req.ID = "caller-id"
	if _, err := p.Execute(context.Background(), req, echoHandler(nil, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ID != "caller-id" {
		t.Errorf("caller id overwritten: %q", req.ID)
	}
}

func TestPipeline_InvocationKeyIgnoresRequestID(t *testing.T) {
	p := mustNew(t, nil)

	var keys []string
	handler := func(ctx context.Context, req *domain.Request) (*domain.Response, error) {
		if got := ports.RequestIDFrom(ctx); got != "shared" {
			t.Errorf("request id in context = %q, want shared", got)
		}
		keys = append(keys, ports.InvocationFrom(ctx))
		return &domain.Response{Content: "ok"}, nil
	}

	for i := 0; i < 2; i++ {
		req := newRequest("hi")
		req.ID = "shared"
		if _, err := p.Execute(context.Background(), req, handler); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(keys) != 2 || keys[0] == "" || keys[0] == keys[1] {
		t.Errorf("invocation keys = %q, want two distinct non-empty keys", keys)
	}
	for _, k := range keys {
		if k == "shared" {
			t.Errorf("invocation key reused the request id")
		}
	}
}

func TestPipeline_NilArguments(t *testing.T) {
	p := mustNew(t, nil)
	if _, err := p.Execute(context.Background(), nil, echoHandler(nil, nil)); err == nil {
		t.Error("expected error for nil request")
	}
	if _, err := p.Execute(context.Background(), newRequest("hi"), nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestPipeline_Transitions(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	hook := func(ctx context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s:%s", tr.Phase, tr.Stage))
	}

	log := &callLog{}
	p := mustNew(t, []ports.Stage{
		&mockStage{name: "A", log: log},
		&mockStage{name: "B", log: log, haltErr: errors.New("stop")},
		&mockStage{name: "C", log: log},
	}, WithTransitionHook(hook))

	_, _ = p.Execute(context.Background(), newRequest("hi"), echoHandler(log, nil))

	want := []string{
		"not_started:",
		"entering:A",
		"entering:B",
		"aborting:B",
		"exiting:A",
		"failed:",
	}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}

	seen = nil
	ok := mustNew(t, []ports.Stage{identityStage{name: "A"}}, WithTransitionHook(hook))
	if _, err := ok.Execute(context.Background(), newRequest("hi"), echoHandler(nil, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = []string{"not_started:", "entering:A", "handler:", "exiting:A", "done:"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
}

func TestPipeline_ConcurrentInvocations(t *testing.T) {
	var entered, exited atomic.Int32
	counter := &countingStage{entered: &entered, exited: &exited}
	p := mustNew(t, []ports.Stage{counter, transformStage{name: "upper", fn: strings.ToUpper}})

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("msg-%d", i)
			resp, err := p.Execute(context.Background(), newRequest(msg), echoHandler(nil, nil))
			if err != nil {
				errs <- err
				return
			}
			if resp.Content != strings.ToUpper(strings.ToUpper(msg)) {
				errs <- fmt.Errorf("cross-talk: %q for %q", resp.Content, msg)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if entered.Load() != workers || exited.Load() != workers {
		t.Errorf("entered=%d exited=%d, want %d", entered.Load(), exited.Load(), workers)
	}
}

type countingStage struct {
	entered *atomic.Int32
	exited  *atomic.Int32
}

func (s *countingStage) Name() string { return "counter" }

func (s *countingStage) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	s.entered.Add(1)
	return req, nil
}

func (s *countingStage) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	s.exited.Add(1)
	return resp, nil
}

func TestPipeline_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	log := &callLog{}
	p := mustNew(t, []ports.Stage{
		&mockStage{name: "A", log: log},
		&mockStage{name: "B", log: log, haltErr: errors.New("stop")},
	}, WithTracer(tp.Tracer("test")))

	_, _ = p.Execute(context.Background(), newRequest("hi"), echoHandler(log, nil))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "pipeline.execute" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", span.Status().Code)
	}

	var names []string
	for _, e := range span.Events() {
		names = append(names, e.Name)
	}
	for _, want := range []string{"pipeline.entering", "pipeline.aborting", "pipeline.failed"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing span event %q in %v", want, names)
		}
	}
}
