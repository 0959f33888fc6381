// Package server exposes the operational HTTP surface: health, queue depth
// and step inspection. It carries no trading endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
	"github.com/quantfold/tradeflow/internal/steps"
)

type Config struct {
	Addr         string
	AllowOrigins []string
}

type Server struct {
	store steps.Store
	log   *logger.Logger
	http  *http.Server
}

func New(cfg Config, store steps.Store, baseLog *logger.Logger) *Server {
	s := &Server{
		store: store,
		log:   baseLog.With("component", "OpsServer"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", s.healthz)
	router.GET("/queues", s.queues)
	router.GET("/steps/:id", s.stepByID)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in a goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("Ops server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Ops server exited", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) queues(c *gin.Context) {
	depths, err := s.store.QueueDepth(dbctx.Context{Ctx: c.Request.Context()})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": depths})
}

func (s *Server) stepByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step id"})
		return
	}
	step, err := s.store.GetByID(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if step == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "step not found"})
		return
	}
	c.JSON(http.StatusOK, step)
}
