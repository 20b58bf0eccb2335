package stages

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// Response outcomes recorded by Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeAborted = "aborted"
)

// MetricsConfig configures a Metrics stage.
type MetricsConfig struct {
	Name string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Metrics exports request and response counters to Prometheus.
type Metrics struct {
	name      string
	requests  prometheus.Counter
	responses *prometheus.CounterVec
	messages  prometheus.Histogram
	duration  prometheus.Histogram

	started sync.Map // invocation key -> time.Time
}

var (
	_ ports.BeforeStage = (*Metrics)(nil)
	_ ports.AfterStage  = (*Metrics)(nil)
)

// NewMetrics creates a Metrics stage and registers its collectors. When the
// collectors already exist on the registerer (for example after a
// configuration reload) the registered ones are reused.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llm_middleware_requests_total",
		Help: "Total number of requests entering the pipeline stage.",
	}))
	if err != nil {
		return nil, err
	}
	responses, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_middleware_responses_total",
		Help: "Total number of responses leaving the pipeline stage by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	messages, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_middleware_request_messages",
		Help:    "Number of messages per request.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 7),
	}))
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_middleware_invocation_duration_seconds",
		Help:    "Time between entering and leaving the stage.",
		Buckets: prometheus.DefBuckets,
	}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		name:      nameOr(cfg.Name, NameMetrics),
		requests:  requests,
		responses: responses,
		messages:  messages,
		duration:  duration,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (m *Metrics) Name() string { return m.name }

func (m *Metrics) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	m.requests.Inc()
	m.messages.Observe(float64(len(req.Messages)))
	m.started.Store(ports.InvocationFrom(ctx), time.Now())
	return req, nil
}

func (m *Metrics) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	if v, ok := m.started.LoadAndDelete(ports.InvocationFrom(ctx)); ok {
		m.duration.Observe(time.Since(v.(time.Time)).Seconds())
	}

	outcome := OutcomeOK
	if resp.Aborted {
		outcome = OutcomeAborted
	}
	m.responses.WithLabelValues(outcome).Inc()
	return resp, nil
}
