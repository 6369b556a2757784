// Package api exposes the HTTP surface: run creation and cancellation,
// the SSE event stream, sandbox command execution, build lookups, and
// health. Handlers depend on narrow interfaces so tests can run against
// in-memory fakes.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pragnya-works/edward/pkg/agent"
	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/gateway"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/masking"
	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/queue"
	"github.com/pragnya-works/edward/pkg/sandbox"
)

// RunStore is the run persistence surface the handlers need.
type RunStore interface {
	CreateRun(ctx context.Context, req models.CreateRunRequest, maxActive int) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	RequestCancel(ctx context.Context, id string) (wasActive bool, err error)
}

// BuildStore reads build rows.
type BuildStore interface {
	GetBuild(ctx context.Context, id string) (*models.Build, error)
	LatestBuildForChat(ctx context.Context, chatID string) (*models.Build, error)
}

// EventLog reads the persistent run event log for SSE replay.
type EventLog interface {
	EventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]models.RunEvent, error)
}

// RunStarter executes an accepted run. The API invokes it on a detached
// goroutine; the run's lifecycle is owned by the executor from then on.
type RunStarter interface {
	Execute(ctx context.Context, req queue.RunRequest) (*agent.Result, error)
}

// RunCanceller interrupts an in-flight run on this node.
type RunCanceller interface {
	CancelRun(runID string) bool
}

// SandboxStates resolves a chat to its live sandbox.
type SandboxStates interface {
	GetActive(ctx context.Context, chatID string) (*sandbox.State, error)
}

// Deps carries everything the server needs. DB and KV feed the health
// endpoint and may be nil in tests.
type Deps struct {
	Runs      RunStore
	Builds    BuildStore
	Events    EventLog
	Hub       *events.Hub
	Starter   RunStarter
	Canceller RunCanceller
	States    SandboxStates
	Driver    sandbox.Driver
	Gateway   *gateway.Gateway
	DB        *sql.DB
	KV        kv.Client
	Secrets   *masking.Envelope
}

// Server is the HTTP front end.
type Server struct {
	cfg       *config.Config
	runs      RunStore
	builds    BuildStore
	eventLog  EventLog
	hub       *events.Hub
	starter   RunStarter
	canceller RunCanceller
	states    SandboxStates
	driver    sandbox.Driver
	gateway   *gateway.Gateway
	db        *sql.DB
	kv        kv.Client
	secrets   *masking.Envelope
	logger    *slog.Logger
	engine    *gin.Engine
}

// NewServer builds the router and wires middleware and routes.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		runs:      deps.Runs,
		builds:    deps.Builds,
		eventLog:  deps.Events,
		hub:       deps.Hub,
		starter:   deps.Starter,
		canceller: deps.Canceller,
		states:    deps.States,
		driver:    deps.Driver,
		gateway:   deps.Gateway,
		db:        deps.DB,
		kv:        deps.KV,
		secrets:   deps.Secrets,
		logger:    logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), cors(cfg.CORSOrigin), securityHeaders())
	if err := engine.SetTrustedProxies(trustedProxies(cfg.TrustProxy)); err != nil {
		s.logger.Warn("invalid trusted proxy configuration", "error", err)
	}

	api := engine.Group("/api")
	api.GET("/health", s.health)
	api.POST("/runs", s.createRun)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/stream", s.streamRun)
	api.POST("/runs/:id/cancel", s.cancelRun)
	api.POST("/sandboxes/:chatId/exec", s.execCommand)
	api.GET("/builds/:id", s.getBuild)
	api.GET("/chats/:chatId/builds/latest", s.latestBuild)

	s.engine = engine
	return s
}

// ServeHTTP makes the server a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}
