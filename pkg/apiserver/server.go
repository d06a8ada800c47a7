// Package apiserver exposes the orchestrator's ambient HTTP surface:
// liveness/readiness at GET /health and a point-in-time operational snapshot
// at GET /stats (spec.md §6). It deliberately knows nothing about AI
// decision-making; it only reports on the components wired into
// cmd/tarsy-ai/main.go.
//
// Grounded on the teacher's pkg/api/handlers.go Server shape (a thin struct
// of dependencies plus a constructor) and cmd/tarsy/main.go's inline
// gin.Default()/router.GET("/health", ...) wiring — the only pkg/api variant
// consistent with go.mod, which carries github.com/gin-gonic/gin and not
// echo.
package apiserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-ai/tarsy-ai/pkg/version"
)

// Pinger reports whether a dependency is currently reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ShardSnapshotter reports the current shard table.
type ShardSnapshotter interface {
	Snapshot() []ShardStatus
}

// ShardStatus is the subset of balancer.Shard this package needs; declared
// locally so apiserver doesn't depend on pkg/balancer's concrete Shard type.
type ShardStatus struct {
	ID            int
	CurrentCount  int
	Capacity      int
	Healthy       bool
	LastHeartbeat time.Time
}

// BackendStatsReporter reports per-backend LLM dispatch stats.
type BackendStatsReporter interface {
	Stats() []BackendStatus
}

// BackendStatus mirrors llmdispatch.Stats, declared locally for the same
// decoupling reason as ShardStatus.
type BackendStatus struct {
	BackendID string
	Healthy   bool
	Total     int64
	Succeeded int64
	Failed    int64
}

// Counter reports a simple size, used for the agent registry and the
// protocol server's connected-session count.
type Counter interface {
	Count() int
}

// Config configures the API server's HTTP listener.
type Config struct {
	ListenAddress string
	GinMode       string
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8090"
	}
	if c.GinMode == "" {
		c.GinMode = gin.ReleaseMode
	}
}

// Server is the ambient HTTP surface over the orchestrator's components.
type Server struct {
	cfg Config

	db       Pinger
	shards   ShardSnapshotter
	backends BackendStatsReporter
	agents   Counter
	sessions Counter

	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a Server. Any dependency may be nil; the corresponding section
// of /health and /stats is simply omitted, so a partially-wired process
// (e.g. an instance with no LLM backends configured) still serves useful
// status.
func New(cfg Config, db Pinger, shards ShardSnapshotter, backends BackendStatsReporter, agents Counter, sessions Counter) *Server {
	cfg.applyDefaults()
	gin.SetMode(cfg.GinMode)

	s := &Server{
		cfg:      cfg,
		db:       db,
		shards:   shards,
		backends: backends,
		agents:   agents,
		sessions: sessions,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/stats", s.statsHandler)
	return s
}

// Start binds the listener and serves HTTP in the background, mirroring the
// scheduler/dispatcher Start(ctx) convention: it returns once the listener
// is bound, and logs a post-bind failure rather than returning it.
func (s *Server) Start(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Checks  Checks `json:"checks"`
}

// Checks reports each dependency's individual reachability.
type Checks struct {
	Database string `json:"database,omitempty"`
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

func (s *Server) healthHandler(c *gin.Context) {
	checks := Checks{}
	status := healthStatusHealthy

	if s.db != nil {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.Ping(reqCtx); err != nil {
			checks.Database = err.Error()
			status = healthStatusUnhealthy
		} else {
			checks.Database = "ok"
		}
	}

	resp := HealthResponse{Status: status, Version: version.GitCommit, Checks: checks}
	code := http.StatusOK
	if status == healthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	} else if status == healthStatusDegraded {
		code = http.StatusOK
	}
	c.JSON(code, resp)
}

// StatsResponse is the GET /stats payload: a point-in-time snapshot of
// every wired component.
type StatsResponse struct {
	Agents        int             `json:"agents"`
	Sessions      int             `json:"sessions,omitempty"`
	Shards        []ShardStatus   `json:"shards,omitempty"`
	LLMBackends   []BackendStatus `json:"llm_backends,omitempty"`
	GeneratedUnix int64           `json:"generated_unix"`
}

func (s *Server) statsHandler(c *gin.Context) {
	resp := StatsResponse{GeneratedUnix: time.Now().Unix()}
	if s.agents != nil {
		resp.Agents = s.agents.Count()
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Count()
	}
	if s.shards != nil {
		resp.Shards = s.shards.Snapshot()
	}
	if s.backends != nil {
		resp.LLMBackends = s.backends.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
