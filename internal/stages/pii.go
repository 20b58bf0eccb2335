package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// PII filter modes.
const (
	ModeRedact = "redact"
	ModeBlock  = "block"
)

const patternTimeout = 250 * time.Millisecond

type piiPattern struct {
	kind string
	re   *regexp2.Regexp
}

// patternSources are applied in order. The api_key pattern needs a
// look-ahead, which is why these use regexp2 instead of regexp.
var patternSources = []struct {
	kind    string
	pattern string
	opts    regexp2.RegexOptions
}{
	{"email", `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`, regexp2.None},
	{"phone", `\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`, regexp2.None},
	{"api_key", `\b[A-Za-z0-9_-]{20,}\b(?=.*key)`, regexp2.IgnoreCase},
}

// PIIConfig configures a PIIFilter.
type PIIConfig struct {
	Name string
	Mode string // redact (default) or block
	// RedactResponses also redacts response content.
	RedactResponses bool
	Logger          *slog.Logger
}

// PIIFilter keeps emails, phone numbers and API keys away from the model,
// either by redacting them or by halting the invocation.
type PIIFilter struct {
	name            string
	mode            string
	redactResponses bool
	patterns        []piiPattern
	logger          *slog.Logger
	redactions      atomic.Int64
}

var (
	_ ports.Halter      = (*PIIFilter)(nil)
	_ ports.BeforeStage = (*PIIFilter)(nil)
	_ ports.AfterStage  = (*PIIFilter)(nil)
)

// NewPIIFilter compiles the patterns and creates a PIIFilter.
func NewPIIFilter(cfg PIIConfig) (*PIIFilter, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeRedact
	}
	if mode != ModeRedact && mode != ModeBlock {
		return nil, fmt.Errorf("invalid pii mode %q (must be 'redact' or 'block')", cfg.Mode)
	}

	f := &PIIFilter{
		name:            nameOr(cfg.Name, NamePIIFilter),
		mode:            mode,
		redactResponses: cfg.RedactResponses,
		logger:          loggerOr(cfg.Logger),
	}
	for _, src := range patternSources {
		re, err := regexp2.Compile(src.pattern, src.opts)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", src.kind, err)
		}
		re.MatchTimeout = patternTimeout
		f.patterns = append(f.patterns, piiPattern{kind: src.kind, re: re})
	}
	return f, nil
}

func (f *PIIFilter) Name() string { return f.name }

// Redactions returns how many messages have been redacted.
func (f *PIIFilter) Redactions() int64 { return f.redactions.Load() }

// Redact replaces every match in text with [REDACTED_<TYPE>].
func (f *PIIFilter) Redact(text string) (string, error) {
	out := text
	for _, p := range f.patterns {
		var err error
		out, err = p.re.Replace(out, "[REDACTED_"+strings.ToUpper(p.kind)+"]", -1, -1)
		if err != nil {
			return "", fmt.Errorf("redact %s: %w", p.kind, err)
		}
	}
	return out, nil
}

// Detect returns the kind of the first pattern matching text, or "".
func (f *PIIFilter) Detect(text string) (string, error) {
	for _, p := range f.patterns {
		ok, err := p.re.MatchString(text)
		if err != nil {
			return "", fmt.Errorf("scan %s: %w", p.kind, err)
		}
		if ok {
			return p.kind, nil
		}
	}
	return "", nil
}

// HaltsWith halts in block mode when any message contains sensitive data.
// A scan that cannot complete also halts.
func (f *PIIFilter) HaltsWith(ctx context.Context, req *domain.Request) error {
	if f.mode != ModeBlock {
		return nil
	}
	for i, m := range req.Messages {
		kind, err := f.Detect(m.Content)
		if err != nil {
			return fmt.Errorf("%w: message %d could not be scanned: %v", ErrPIIDetected, i+1, err)
		}
		if kind != "" {
			f.logger.WarnContext(ctx, "sensitive data blocked",
				slog.String("stage", f.name),
				slog.String("request_id", req.ID),
				slog.String("type", kind),
				slog.Int("message", i+1))
			return fmt.Errorf("%w: %s in message %d", ErrPIIDetected, kind, i+1)
		}
	}
	return nil
}

func (f *PIIFilter) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	if f.mode != ModeRedact {
		return req, nil
	}

	var msgs []domain.Message
	for i, m := range req.Messages {
		redacted, err := f.Redact(m.Content)
		if err != nil {
			return nil, err
		}
		if redacted == m.Content {
			continue
		}
		if msgs == nil {
			msgs = append([]domain.Message(nil), req.Messages...)
		}
		msgs[i].Content = redacted
		f.redactions.Add(1)
	}

	if msgs != nil {
		req.Messages = msgs
		f.logger.InfoContext(ctx, "sensitive data redacted",
			slog.String("stage", f.name),
			slog.String("request_id", req.ID),
			slog.Int64("total", f.redactions.Load()))
	}
	return req, nil
}

func (f *PIIFilter) After(ctx context.Context, resp *domain.Response) (*domain.Response, error) {
	if !f.redactResponses || resp.Aborted {
		return resp, nil
	}
	redacted, err := f.Redact(resp.Content)
	if err != nil {
		return nil, err
	}
	if redacted != resp.Content {
		f.redactions.Add(1)
		resp.Content = redacted
	}
	return resp, nil
}
