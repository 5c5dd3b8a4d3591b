package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

// DefaultCallTimeout bounds one tool invocation, session setup included.
const DefaultCallTimeout = 30 * time.Second

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	CallTimeout       time.Duration
	ValidateArguments bool
}

// Invoker routes a call by unique tool name to the backend that owns it.
// It implements domain.ToolInvoker.
type Invoker struct {
	registry  domain.ToolRegistry
	dialer    domain.BackendDialer
	validator *ArgValidator
	cfg       InvokerConfig
	logger    *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(registry domain.ToolRegistry, dialer domain.BackendDialer, cfg InvokerConfig, logger *slog.Logger) *Invoker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	inv := &Invoker{registry: registry, dialer: dialer, cfg: cfg, logger: logger}
	if cfg.ValidateArguments {
		inv.validator = NewArgValidator()
	}
	return inv
}

// Invoke resolves name (refreshing the registry once on a miss), opens a
// fresh session to the owning backend and calls the tool by its local name.
//
// Errors: *domain.UnknownToolError when the name is still unresolved after
// the refresh; *domain.InvocationError for transport or backend failures.
// Arguments rejected by the tool's input schema and tool-level failures
// reported by the backend come back as a result with IsError set.
func (inv *Invoker) Invoke(ctx context.Context, name string, args json.RawMessage) (_ *domain.ToolResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "invoker.invoke",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer func() { tracer.Finish(span, err) }()

	tool, err := inv.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("backend", tool.Backend))

	if inv.validator != nil {
		if verr := inv.validator.Validate(tool, args); verr != nil {
			inv.logger.Warn("tool arguments rejected", "tool", name, "error", verr)
			return &domain.ToolResult{Content: verr.Error(), IsError: true}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, inv.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	text, isErr, err := inv.call(ctx, tool, args)
	if err != nil {
		inv.logger.Warn("tool invocation failed",
			"tool", name,
			"backend", tool.Backend,
			"error", err)
		return nil, &domain.InvocationError{Tool: name, Backend: tool.Backend, Cause: err}
	}

	inv.logger.Debug("tool invoked",
		"tool", name,
		"backend", tool.Backend,
		"is_error", isErr,
		"duration", time.Since(start))
	return &domain.ToolResult{Content: text, IsError: isErr}, nil
}

func (inv *Invoker) resolve(ctx context.Context, name string) (domain.ToolDescriptor, error) {
	if t, ok := inv.registry.Lookup(name); ok {
		return t, nil
	}
	inv.logger.Info("tool not in cache, refreshing", "tool", name)
	if _, err := inv.registry.Tools(ctx, true); err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("refresh tools: %w", err)
	}
	if t, ok := inv.registry.Lookup(name); ok {
		return t, nil
	}
	return domain.ToolDescriptor{}, &domain.UnknownToolError{Name: name}
}

func (inv *Invoker) call(ctx context.Context, tool domain.ToolDescriptor, args json.RawMessage) (string, bool, error) {
	sess, err := inv.dialer.Dial(ctx, tool.Backend)
	if err != nil {
		return "", false, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			inv.logger.Debug("backend session close failed", "backend", tool.Backend, "error", cerr)
		}
	}()

	if err := sess.Initialize(ctx); err != nil {
		return "", false, err
	}
	text, isErr, err := sess.CallTool(ctx, tool.LocalName, args)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArguments) {
			return err.Error(), true, nil
		}
		return "", false, err
	}
	return text, isErr, nil
}

var _ domain.ToolInvoker = (*Invoker)(nil)
