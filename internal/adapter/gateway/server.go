// Package gateway exposes the question-answering loop over HTTP and
// WebSocket: blocking and streamed queries, the tool listing, health and
// metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/middleware"
	"github.com/liuyngchng/my-mcp/internal/usecase"
)

// Runner answers questions.
type Runner interface {
	Run(ctx context.Context, question string) (*usecase.RunResult, error)
	Stream(ctx context.Context, question string) iter.Seq[domain.StreamEvent]
}

// ToolLister exposes the tool registry cache.
type ToolLister interface {
	Tools(ctx context.Context, forceRefresh bool) ([]domain.ToolDescriptor, error)
	Snapshot() usecase.CacheSnapshot
}

// RunObserver lets WebSocket clients follow another client's run.
type RunObserver interface {
	SubscribeRun(runID string, handler domain.EventHandler) func()
}

// Config holds gateway listener settings.
type Config struct {
	Addr           string
	RequestsPerMin int
	Burst          int
	TrustedProxies []string
	WebSocket      bool
	AllowedOrigins []string
}

// Deps are the gateway's collaborators. Observer, Auth and Metrics are optional.
type Deps struct {
	Runner   Runner
	Tools    ToolLister
	Observer RunObserver
	Auth     Authenticator
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Server is the HTTP/WebSocket gateway.
type Server struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	startTime time.Time

	httpSrv   *http.Server
	boundAddr string
	nextID    atomic.Uint64
	clients   sync.Map // connID (uint64) -> *clientConn
	stopOnce  sync.Once
}

// NewServer creates a gateway server.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = &Metrics{}
	}
	return &Server{cfg: cfg, deps: deps, logger: deps.Logger, startTime: time.Now()}
}

// Handler builds the routed, middleware-wrapped handler. ctx bounds the
// rate limiter's background sweeper.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("POST /api/query", s.authed(s.handleQuery))
	mux.Handle("POST /api/query/stream", s.authed(s.handleQueryStream))
	mux.Handle("GET /api/tools", s.authed(s.handleTools))
	mux.Handle("GET /metrics", s.authed(metricsHandler(s.deps.Metrics, s.deps.Tools, s.startTime)))
	if s.cfg.WebSocket {
		mux.Handle("GET /ws", s.authed(s.handleUpgrade))
	}

	return middleware.Chain(mux,
		middleware.Recover(s.logger),
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.cfg.RequestsPerMin,
			BurstSize:      s.cfg.Burst,
			TrustedProxies: s.cfg.TrustedProxies,
		}),
	)
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway started", "addr", s.boundAddr, "websocket", s.cfg.WebSocket)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes WebSocket clients and shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.clients.Range(func(key, value any) bool {
			value.(*clientConn).shutdown("server shutting down")
			s.clients.Delete(key)
			return true
		})
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// authed enforces the Authenticator when one is configured.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	if s.deps.Auth == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.deps.Auth.Authenticate(requestToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		h(w, r)
	})
}
