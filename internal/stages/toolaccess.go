package stages

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/ports"
)

// ToolGuardConfig configures a ToolGuard.
type ToolGuardConfig struct {
	Name string
	// AllowedTools lists the permitted tool names. An empty list permits
	// no tools.
	AllowedTools []string
	Logger       *slog.Logger
}

// ToolGuard enforces a tool allow-list. Tool executions outside the list
// halt; model calls have their tool definitions filtered to the list.
type ToolGuard struct {
	name    string
	allowed []string
	logger  *slog.Logger
	blocked atomic.Int64
}

var (
	_ ports.Halter      = (*ToolGuard)(nil)
	_ ports.BeforeStage = (*ToolGuard)(nil)
)

// NewToolGuard creates a ToolGuard.
func NewToolGuard(cfg ToolGuardConfig) *ToolGuard {
	return &ToolGuard{
		name:    nameOr(cfg.Name, NameToolGuard),
		allowed: slices.Clone(cfg.AllowedTools),
		logger:  loggerOr(cfg.Logger),
	}
}

func (g *ToolGuard) Name() string { return g.name }

// Blocked returns how many tool executions were denied.
func (g *ToolGuard) Blocked() int64 { return g.blocked.Load() }

// Allowed reports whether tool is on the allow-list.
func (g *ToolGuard) Allowed(tool string) bool {
	return slices.Contains(g.allowed, tool)
}

func (g *ToolGuard) HaltsWith(ctx context.Context, req *domain.Request) error {
	if req.ToolCall == nil {
		return nil
	}
	user := req.UserID
	if user == "" {
		user = unknownUser
	}

	if g.Allowed(req.ToolCall.Name) {
		g.logger.InfoContext(ctx, "tool allowed",
			slog.String("stage", g.name),
			slog.String("tool", req.ToolCall.Name),
			slog.String("user_id", user))
		return nil
	}

	n := g.blocked.Add(1)
	g.logger.WarnContext(ctx, "tool blocked",
		slog.String("stage", g.name),
		slog.String("tool", req.ToolCall.Name),
		slog.String("user_id", user),
		slog.String("allowed", strings.Join(g.allowed, ", ")),
		slog.Int64("blocked_total", n))
	return fmt.Errorf("%w: tool '%s' not permitted for user '%s'", ErrToolDenied, req.ToolCall.Name, user)
}

func (g *ToolGuard) Before(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}
	kept := make([]domain.ToolDefinition, 0, len(req.Tools))
	for _, t := range req.Tools {
		if g.Allowed(t.Name) {
			kept = append(kept, t)
		}
	}
	if len(kept) != len(req.Tools) {
		g.logger.DebugContext(ctx, "tools filtered",
			slog.String("stage", g.name),
			slog.Int("offered", len(req.Tools)),
			slog.Int("kept", len(kept)))
	}
	req.Tools = kept
	return req, nil
}
