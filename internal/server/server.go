// Package server exposes the slot matrix over HTTP: registry inspection and
// mutation, the staging pipeline, execution sweeps, a websocket event stream
// and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"slotgrid/internal/config"
	"slotgrid/internal/dispatch"
	"slotgrid/internal/ledger"
	"slotgrid/internal/lifecycle"
	"slotgrid/internal/logging"
	"slotgrid/internal/metrics"
	"slotgrid/internal/registry"
	"slotgrid/internal/staging"
)

// Server bundles the HTTP layer over the core components.
type Server struct {
	cfg    config.Config
	reg    *registry.Registry
	pipe   *staging.Pipeline
	disp   *dispatch.Dispatcher
	bus    *lifecycle.Bus
	led    ledger.Ledger
	mets   *metrics.Metrics
	logger logging.Logger

	engine  *gin.Engine
	httpSrv *http.Server
	started time.Time
}

// New wires the router. The caller owns component lifecycles; the server
// only serves them.
func New(cfg config.Config, reg *registry.Registry, pipe *staging.Pipeline,
	disp *dispatch.Dispatcher, bus *lifecycle.Bus, led ledger.Ledger,
	mets *metrics.Metrics, logger logging.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsCfg))

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		pipe:    pipe,
		disp:    disp,
		bus:     bus,
		led:     led,
		mets:    mets,
		logger:  logging.OrNop(logger),
		engine:  engine,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	reg := api.Group("/registry")
	reg.GET("/matrix", s.handleMatrix)
	reg.GET("/matrix/enriched", s.handleMatrixEnriched)
	reg.POST("/reserve", s.handleReserve)
	reg.GET("/slot/:address/info", s.handleSlotInfo)
	reg.POST("/slot/:address/commit", s.handleSlotCommit)
	reg.POST("/slot/:address/lock", s.handleSlotLock)
	reg.POST("/slot/:address/unlock", s.handleSlotUnlock)
	reg.DELETE("/slot/:address/evict", s.handleSlotEvict)
	reg.POST("/slot/:address/run", s.handleSlotRun)

	stg := api.Group("/staging")
	stg.POST("/submit", s.handleStagingSubmit)
	stg.POST("/approve/:id", s.handleStagingApprove)
	stg.POST("/reject/:id", s.handleStagingReject)
	stg.POST("/promote/:id", s.handleStagingPromote)
	stg.POST("/rollback/:id", s.handleStagingRollback)
	stg.GET("/snippet/:id", s.handleStagingGet)
	stg.GET("/list", s.handleStagingList)
	stg.GET("/summary", s.handleStagingSummary)
	stg.GET("/audit", s.handleStagingAudit)

	exe := api.Group("/execution")
	exe.POST("/run-all-slots", s.handleRunAllSlots)
	exe.POST("/run-engine/:letter/combined", s.handleRunEngineCombined)

	nodes := api.Group("/nodes")
	nodes.GET("/:id", s.handleNodeSource)
	nodes.GET("/:id/versions", s.handleNodeVersions)
	nodes.GET("/:id/executions", s.handleNodeExecutions)

	events := api.Group("/events")
	events.GET("/stream", s.handleEventStream)
	events.GET("/history", s.handleEventHistory)

	if s.mets != nil {
		s.engine.GET("/metrics", gin.WrapH(s.mets.Handler()))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", s.cfg.Addr())
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
