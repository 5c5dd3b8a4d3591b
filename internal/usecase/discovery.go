package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

// Discoverer queries every configured backend for its tools.
type Discoverer struct {
	dialer      domain.BackendDialer
	namespacing bool
	logger      *slog.Logger
}

// NewDiscoverer creates a Discoverer. With namespacing on, tool names are
// prefixed "server<N>_" where N is the backend's position in the list.
func NewDiscoverer(dialer domain.BackendDialer, namespacing bool, logger *slog.Logger) *Discoverer {
	return &Discoverer{dialer: dialer, namespacing: namespacing, logger: logger}
}

// QualifiedName returns the globally unique name of a backend's tool.
func QualifiedName(namespacing bool, index int, local string) string {
	if !namespacing {
		return local
	}
	return fmt.Sprintf("server%d_%s", index, local)
}

// Discover returns the tools of every reachable backend in backend order and
// the name-to-backend map built alongside them. Unreachable backends are
// logged and skipped; all unreachable yields empty results and no error.
func (d *Discoverer) Discover(ctx context.Context, addrs []string) ([]domain.ToolDescriptor, map[string]string) {
	tools, owners, _ := d.DiscoverWithStatus(ctx, addrs)
	return tools, owners
}

// DiscoverWithStatus is Discover plus one status entry per backend.
func (d *Discoverer) DiscoverWithStatus(ctx context.Context, addrs []string) ([]domain.ToolDescriptor, map[string]string, []domain.BackendStatus) {
	type result struct {
		tools []domain.ToolDescriptor
		err   error
	}
	results := make([]result, len(addrs))

	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(idx int, a string) {
			defer wg.Done()
			tools, err := d.discoverBackend(ctx, idx, a)
			results[idx] = result{tools: tools, err: err}
		}(i, addr)
	}
	wg.Wait()

	var tools []domain.ToolDescriptor
	owners := make(map[string]string)
	statuses := make([]domain.BackendStatus, len(addrs))

	for i, r := range results {
		st := domain.BackendStatus{Address: addrs[i], Index: i}
		if r.err != nil {
			d.logger.Warn("backend discovery failed",
				"backend", addrs[i],
				"index", i,
				"code", domain.CodeDiscoveryPartial,
				"error", r.err)
			st.Error = r.err.Error()
			statuses[i] = st
			continue
		}
		st.Healthy = true
		for _, t := range r.tools {
			// Only reachable with namespacing off: two backends export the
			// same local name. The lower-indexed backend keeps it.
			if owner, dup := owners[t.Name]; dup {
				d.logger.Warn("duplicate tool name skipped",
					"tool", t.Name,
					"backend", t.Backend,
					"owner", owner)
				continue
			}
			owners[t.Name] = t.Backend
			tools = append(tools, t)
			st.ToolCount++
		}
		statuses[i] = st
	}

	d.logger.Info("tool discovery complete",
		"backends", len(addrs),
		"tools", len(tools))

	return tools, owners, statuses
}

// discoverBackend runs one session against addr: dial, initialize, list, close.
func (d *Discoverer) discoverBackend(ctx context.Context, idx int, addr string) (_ []domain.ToolDescriptor, err error) {
	ctx, span := tracer.StartSpan(ctx, "discovery.backend",
		trace.WithAttributes(
			tracer.StringAttr("backend", addr),
			tracer.IntAttr("backend.index", idx),
		),
	)
	defer func() { tracer.Finish(span, err) }()

	sess, err := d.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDiscoveryPartial, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			d.logger.Debug("backend session close failed", "backend", addr, "error", cerr)
		}
	}()

	if err := sess.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDiscoveryPartial, err)
	}
	remote, err := sess.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDiscoveryPartial, err)
	}

	seen := make(map[string]bool, len(remote))
	out := make([]domain.ToolDescriptor, 0, len(remote))
	for _, rt := range remote {
		if rt.Name == "" {
			d.logger.Warn("unnamed tool skipped", "backend", addr)
			continue
		}
		if seen[rt.Name] {
			d.logger.Warn("duplicate tool name skipped", "backend", addr, "tool", rt.Name)
			continue
		}
		seen[rt.Name] = true
		out = append(out, domain.ToolDescriptor{
			Name:         QualifiedName(d.namespacing, idx, rt.Name),
			LocalName:    rt.Name,
			Title:        rt.Title,
			Description:  rt.Description,
			InputSchema:  rt.InputSchema,
			OutputSchema: rt.OutputSchema,
			Backend:      addr,
			BackendIndex: idx,
		})
	}

	d.logger.Debug("backend tools listed", "backend", addr, "tools", len(out))
	return out, nil
}
