// Package gateway is the WebSocket hub: it accepts adapter
// connections, routes inbound messages through the dedup/debounce/
// serialization pipeline, drives the LLM orchestrator, and streams
// responses back to the adapter that asked.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/infra"
	"github.com/clara-ai/clara/internal/nodes"
	"github.com/clara-ai/clara/internal/observability"
	"github.com/clara-ai/clara/internal/orchestrator"
	"github.com/clara-ai/clara/internal/protocol"
	"github.com/clara-ai/clara/internal/router"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// Config holds the server's listen address and registration secret.
type Config struct {
	Host string
	Port int

	// Secret, when set, must match the REGISTER frame's secret.
	Secret string
}

// Addr formats the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Server is the gateway hub. Construct with New, wire a processor via
// the orchestrator, then Start.
type Server struct {
	config   Config
	registry *nodes.Registry
	router   *router.Router
	orch     *orchestrator.Orchestrator

	emitter *events.Emitter
	metrics *observability.Metrics
	promReg *prometheus.Registry
	logger  *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	// origins maps in-flight request IDs to the session that owns the
	// response stream. Falls back to platform broadcast when the
	// session is gone.
	originMu sync.Mutex
	origins  map[string]*originRecord

	routerConfig   *router.Config
	registryConfig nodes.RegistryConfig

	// llmPool bounds concurrent orchestrator runs across all channels.
	llmPool *infra.Pool

	wg sync.WaitGroup
}

type originRecord struct {
	session  *wsSession
	platform string
	tracked  time.Time
}

// originTTL bounds how long an origin record can linger. Requests
// absorbed by debounce consolidation never see a terminal frame of
// their own, so their records age out instead.
const originTTL = time.Hour

// Option configures the server.
type Option func(*Server)

// WithRouterConfig overrides the message pipeline tunables.
func WithRouterConfig(cfg router.Config) Option {
	return func(s *Server) { s.routerConfig = &cfg }
}

// WithRegistryConfig overrides the node registry's session-preserve and
// sweep tunables.
func WithRegistryConfig(cfg nodes.RegistryConfig) Option {
	return func(s *Server) { s.registryConfig = cfg }
}

// WithLLMWorkers caps how many orchestrator runs execute at once.
// Default 10.
func WithLLMWorkers(n int) Option {
	return func(s *Server) { s.llmPool = infra.NewPool(n) }
}

// New builds a gateway server. The orchestrator may be nil, in which
// case inbound messages are rejected with no_processor.
func New(cfg Config, orch *orchestrator.Orchestrator, emitter *events.Emitter, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NewEmitter(0, logger)
	}

	promReg := prometheus.NewRegistry()
	s := &Server{
		config:         cfg,
		registryConfig: nodes.DefaultRegistryConfig(),
		orch:           orch,
		emitter:        emitter,
		metrics:        observability.NewMetrics(promReg),
		promReg:        promReg,
		logger:         logger.With("component", "gateway"),
		startTime:      time.Now(),
		origins:        make(map[string]*originRecord),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.llmPool == nil {
		s.llmPool = infra.NewPool(10)
	}

	s.registry = nodes.NewRegistry(s.registryConfig, logger)

	routerCfg := router.DefaultConfig()
	if s.routerConfig != nil {
		routerCfg = *s.routerConfig
	}
	s.router = router.New(routerCfg, s.process, s.emitter, s.metrics, logger)
	return s
}

// Metrics exposes the server's metric bundle to co-located components
// (supervisor, scheduler) so everything lands in one registry.
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

// Emitter exposes the event bus.
func (s *Server) Emitter() *events.Emitter { return s.emitter }

// Registry exposes the node registry.
func (s *Server) Registry() *nodes.Registry { return s.registry }

// Start begins serving WebSocket and metrics endpoints. Blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("gateway listening", "addr", s.config.Addr())
	s.emitter.EmitAsync(ctx, events.New(events.EventGatewayStartup).
		WithData("addr", s.config.Addr()))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs the server on an existing listener (tests).
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listener, cancels in-flight requests, and waits
// for sessions to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.emitter.Emit(ctx, events.New(events.EventGatewayShutdown))

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.router.Close()
	s.registry.Close()
	s.wg.Wait()
	s.emitter.Drain()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.run()
	}()
}

// SendProactive delivers a gateway-initiated message to every node of
// the target platform. An empty platform is derived from the
// "<platform>-..." prefix of the user or channel ID.
func (s *Server) SendProactive(ctx context.Context, platform, userID, channelID, content, purpose string) error {
	if platform == "" {
		platform = derivePlatform(userID)
	}
	if platform == "" {
		platform = derivePlatform(channelID)
	}
	if platform == "" {
		return errors.New("cannot determine target platform")
	}

	targets := s.registry.ByPlatform(platform)
	if len(targets) == 0 {
		return fmt.Errorf("no connected nodes for platform %s", platform)
	}

	frame := &protocol.Proactive{
		Envelope:  protocol.NewEnvelope(protocol.TypeProactive, ""),
		UserID:    userID,
		ChannelID: channelID,
		Content:   content,
		Purpose:   purpose,
	}
	var errs []error
	for _, node := range targets {
		if err := node.Conn.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node.NodeID, err))
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	s.emitter.EmitAsync(ctx, events.New(events.EventMessageSent).
		WithData("platform", platform).
		WithData("proactive", true).
		WithData("purpose", purpose))
	return nil
}

func derivePlatform(id string) string {
	if i := strings.Index(id, "-"); i > 0 {
		return id[:i]
	}
	return ""
}

// trackOrigin remembers which session owns a request's response stream.
func (s *Server) trackOrigin(requestID string, session *wsSession, platform string) {
	now := time.Now()
	s.originMu.Lock()
	s.origins[requestID] = &originRecord{session: session, platform: platform, tracked: now}
	for id, rec := range s.origins {
		if now.Sub(rec.tracked) > originTTL {
			delete(s.origins, id)
		}
	}
	s.originMu.Unlock()
}

func (s *Server) dropOrigin(requestID string) {
	s.originMu.Lock()
	delete(s.origins, requestID)
	s.originMu.Unlock()
}

// sendToOrigin delivers a frame to the session that submitted the
// request, falling back to every node of the same platform when that
// session is gone (reconnection mid-response).
func (s *Server) sendToOrigin(requestID string, frame protocol.Message) {
	s.originMu.Lock()
	rec := s.origins[requestID]
	s.originMu.Unlock()
	if rec == nil {
		s.logger.Debug("no origin for request", "request_id", requestID)
		return
	}

	if rec.session != nil && rec.session.alive() {
		if err := rec.session.Send(frame); err == nil {
			return
		}
	}
	for _, node := range s.registry.ByPlatform(rec.platform) {
		if err := node.Conn.Send(frame); err != nil {
			s.logger.Debug("fallback send failed", "node", node.NodeID, "error", err)
		}
	}
}
