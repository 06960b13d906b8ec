// Package server is the HTTP surface of the proxy: routing, raw-body
// capture, the generic proxy handler, and graceful shutdown with cache wipe
// and residual-connection teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/common/config"
	"github.com/grovhq/grov-proxy/internal/common/httpmw"
	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/drift"
	"github.com/grovhq/grov-proxy/internal/events/bus"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/orchestrator"
	"github.com/grovhq/grov-proxy/internal/proxy/adapter"
	"github.com/grovhq/grov-proxy/internal/proxy/cache"
	"github.com/grovhq/grov-proxy/internal/session/manager"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

const (
	// maxExpandIterations caps the tool-expansion loop per response.
	maxExpandIterations = 5
	// recentStepLimit is how many steps feed the analyzers per turn.
	recentStepLimit = 5
	// maxPostWorkers bounds concurrent fire-and-forget post-processors.
	maxPostWorkers = 32
	// postProcessTimeout bounds one post-processing run.
	postProcessTimeout = 60 * time.Second
	// drainTimeout is how long shutdown waits for in-flight handlers.
	drainTimeout = 500 * time.Millisecond
	// contextSummaryMaxChars bounds the context-clear summary.
	contextSummaryMaxChars = 4000
)

// Deps carries everything the server needs wired in.
type Deps struct {
	Config   *config.Config
	Registry *adapter.Registry
	State    *memory.Engine
	Memories memory.Service
	Sessions *manager.Manager
	Orch     *orchestrator.Orchestrator
	Drift    *drift.Machine
	Analyzer analyzer.Analyzer
	Repo     repository.Repository
	Cache    *cache.ExtendedCache
	Bus      bus.EventBus
	Logger   *logger.Logger
}

// Server is the proxy's HTTP front end.
type Server struct {
	cfg      *config.Config
	registry *adapter.Registry
	state    *memory.Engine
	memSvc   memory.Service
	sessions *manager.Manager
	orch     *orchestrator.Orchestrator
	drift    *drift.Machine
	analyzer analyzer.Analyzer
	repo     repository.Repository
	cache    *cache.ExtendedCache
	bus      bus.EventBus
	logger   *logger.Logger

	engine  *gin.Engine
	httpSrv *http.Server

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	postSem chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	postWG  sync.WaitGroup
}

// New builds the server and its routes.
func New(d Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      d.Config,
		registry: d.Registry,
		state:    d.State,
		memSvc:   d.Memories,
		sessions: d.Sessions,
		orch:     d.Orch,
		drift:    d.Drift,
		analyzer: d.Analyzer,
		repo:     d.Repo,
		cache:    d.Cache,
		bus:      d.Bus,
		logger:   d.Logger.WithComponent("server"),
		conns:    make(map[net.Conn]struct{}),
		postSem:  make(chan struct{}, maxPostWorkers),
		baseCtx:  ctx,
		cancel:   cancel,
	}

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(httpmw.RequestLogger(d.Logger, "proxy"))
	e.Use(httpmw.CaptureRawBody(int64(d.Config.Server.BodyLimit)))

	e.GET("/health", s.handleHealth)
	for _, path := range d.Registry.Paths() {
		e.POST(path, s.handleProxy)
	}
	e.NoRoute(func(c *gin.Context) {
		proxyError(c, http.StatusNotFound, "not found")
	})

	s.engine = e
	s.httpSrv = &http.Server{
		Handler:      e,
		ReadTimeout:  d.Config.Server.ReadTimeoutDuration(),
		WriteTimeout: d.Config.Server.WriteTimeoutDuration(),
		ConnState:    s.trackConn,
	}
	return s
}

// Handler exposes the routed engine (tests drive it through httptest).
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func proxyError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"type": "proxy_error", "message": message},
	})
}

// Start listens and serves until Shutdown. A nil error means the server was
// shut down gracefully.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info("Proxy listening", zap.String("addr", addr))

	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, wipes the extended cache, drains
// in-flight handlers for drainTimeout, then destroys residual sockets.
// Fire-and-forget post-processors observe the cancellation and abandon work.
func (s *Server) Shutdown() {
	s.cancel()
	s.httpSrv.SetKeepAlivesEnabled(false)
	s.cache.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("Drain incomplete, closing residual connections", zap.Error(err))
	}
	s.closeResidualConns()
	s.logger.Info("Server stopped")
}

func (s *Server) trackConn(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
	case http.StateHijacked, http.StateClosed:
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}
}

func (s *Server) closeResidualConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
