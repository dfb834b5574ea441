// Package gateway exposes the dialect surfaces over HTTP: the Anthropic,
// OpenAI, and CodeWhisperer completion endpoints, the admin credential API,
// the websocket telemetry feed, and the health and metrics endpoints. Each
// completion request runs through the step pipeline; the gateway owns the
// HTTP edges (auth, correlation IDs, error envelopes, SSE framing) and the
// pipeline owns the semantics.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/google/uuid"
	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/conversation"
	"github.com/proxycast/proxycast/internal/credential"
	"github.com/proxycast/proxycast/internal/hooks"
	"github.com/proxycast/proxycast/internal/memory"
	"github.com/proxycast/proxycast/internal/observability"
	"github.com/proxycast/proxycast/internal/pipeline"
	"github.com/proxycast/proxycast/internal/providers"
	"github.com/proxycast/proxycast/internal/selector"
	"github.com/proxycast/proxycast/internal/tracker"
	"github.com/proxycast/proxycast/pkg/protocol"
)

// Options collects the gateway's constructed dependencies.
type Options struct {
	Settings *config.Settings
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Store    *credential.Store
	Pool     *credential.Pool
	Selector *selector.Selector
	Tracker  *tracker.Tracker
	Hooks    *hooks.Engine
	Memories *memory.Store
	Embedder memory.Embedder
	Switcher *config.Switcher
}

// Server is the HTTP gateway.
type Server struct {
	cfg      *config.Settings
	logger   *observability.Logger
	metrics  *observability.Metrics
	store    *credential.Store
	pool     *credential.Pool
	selector *selector.Selector
	tracker  *tracker.Tracker
	hooks    *hooks.Engine
	memories *memory.Store
	embedder memory.Embedder
	switcher *config.Switcher
	hub      *Hub

	trim    conversation.TrimConfig
	summary conversation.SummaryConfig

	runner *pipeline.Runner

	httpServer *http.Server
	listener   net.Listener

	providerFactory func(c *credential.Credential) (providers.Provider, error)

	now func() time.Time
}

// ErrPortInUse wraps a bind failure so the caller can map it to the
// dedicated exit code.
var ErrPortInUse = errors.New("address already in use")

// NewServer wires the gateway. The pipeline registry is built here with the
// fixed core step list; extensions register against it before Start.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:      opts.Settings,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		store:    opts.Store,
		pool:     opts.Pool,
		selector: opts.Selector,
		tracker:  opts.Tracker,
		hooks:    opts.Hooks,
		memories: opts.Memories,
		embedder: opts.Embedder,
		switcher: opts.Switcher,
		hub:      NewHub(opts.Logger),
		now:      time.Now,
	}

	s.trim = conversation.TrimConfig{
		Enabled:              opts.Settings.Pipeline.TrimEnabled,
		MaxMessages:          opts.Settings.Pipeline.TrimMaxMessages,
		PreserveSystemPrompt: opts.Settings.Pipeline.PreserveSystemPrompt,
		Strategy:             conversation.TrimStrategy(opts.Settings.Pipeline.TrimStrategy),
	}
	s.summary = conversation.SummaryConfig{
		Enabled:            opts.Settings.Pipeline.SummaryEnabled,
		ThresholdMessages:  opts.Settings.Pipeline.SummaryThreshold,
		KeepRecentMessages: opts.Settings.Pipeline.SummaryKeepRecent,
		MaxSummaryPoints:   conversation.DefaultSummaryConfig().MaxSummaryPoints,
	}

	registry := pipeline.NewRegistry(s.coreSteps()...)
	s.runner = pipeline.NewRunner(registry, opts.Logger.Slog())
	return s
}

// EventHub exposes the websocket event hub for other components that
// publish telemetry (scheduler, heartbeat).
func (s *Server) EventHub() *Hub { return s.hub }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.Handle("/v1/messages", s.withAuth(s.handleCompletion(protocol.DialectAnthropic)))
	mux.Handle("/v1/chat/completions", s.withAuth(s.handleCompletion(protocol.DialectOpenAI)))
	mux.Handle("/generateAssistantResponse", s.withAuth(s.handleCompletion(protocol.DialectCodeWhisperer)))

	mux.Handle("/v1/models", s.withAuth(http.HandlerFunc(s.handleModels)))
	mux.Handle("/admin/credentials", s.withAuth(http.HandlerFunc(s.handleCredentials)))
	mux.Handle("/admin/credentials/", s.withAuth(http.HandlerFunc(s.handleCredentialByID)))
	mux.Handle("/admin/memories", s.withAuth(http.HandlerFunc(s.handleMemories)))
	mux.Handle("/admin/memories/search", s.withAuth(http.HandlerFunc(s.handleMemorySearch)))
	mux.Handle("/admin/memories/", s.withAuth(http.HandlerFunc(s.handleMemoryByID)))
	mux.Handle("/admin/config/providers", s.withAuth(http.HandlerFunc(s.handleProviderSwitch)))

	mux.Handle("/ws", s.withAuth(http.HandlerFunc(s.hub.handleWS)))

	return s.withObservability(mux)
}

// Start binds the listener and serves until Shutdown. A bind failure on an
// occupied port returns ErrPortInUse.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.hub.Run(ctx)

	if s.hooks != nil {
		s.hooks.Fire(ctx, hooks.EventGatewayStart, hooks.HookContext{})
	}

	s.logger.Info(ctx, "starting gateway", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "gateway server error", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if s.hooks != nil {
		s.hooks.Fire(ctx, hooks.EventGatewayStop, hooks.HookContext{})
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "gateway shutdown error", "error", err)
		return err
	}
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return false
}

// withAuth enforces the shared local API key. An unset key disables auth,
// matching local-only development use.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Server.APIKey
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if presentedKey(r) != key {
			writeAuthError(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withObservability assigns the correlation ID and records request metrics.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.AddRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		start := s.now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path,
				fmt.Sprintf("%d", sw.status), s.now().Sub(start).Seconds())
		}
	})
}

// statusWriter captures the response code for metrics. Flush and Hijack
// pass through so SSE and websocket upgrades keep working.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
