// Package ops предоставляет операционный HTTP сервер оркестратора:
// health checks, метрики и инспекция экземпляров саг для операторов.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akriventsev/adsaga/observability"
	"github.com/akriventsev/adsaga/saga"
)

// Config конфигурация операционного сервера
type Config struct {
	Addr            string
	ServiceName     string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// DefaultConfig возвращает конфигурацию сервера по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ServiceName:     "campaign-saga-orchestrator",
		ShutdownTimeout: 10 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server операционный HTTP сервер
type Server struct {
	store  saga.Store
	config Config
	srv    *http.Server
}

// NewServer создает операционный сервер
func NewServer(store saga.Store, config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.CorrelationIDMiddleware())
	router.Use(observability.HTTPTracingMiddleware(config.ServiceName))

	s := &Server{store: store, config: config}
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/sagas/:correlation_id", s.handleGetSaga)

	s.srv = &http.Server{
		Addr:    config.Addr,
		Handler: router,
	}
	return s
}

// Start запускает сервер в фоне
func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("ops server failed", "error", err)
		}
	}()
	s.config.Logger.Info("ops server listening", "addr", s.config.Addr)
	return nil
}

// Stop останавливает сервер с graceful shutdown
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.config.ServiceName,
	})
}

// handleGetSaga возвращает снимок экземпляра саги по correlation id.
// Операторский эндпоинт: разбор застрявших публикаций и саг в
// FAILED_FINALIZATION.
func (s *Server) handleGetSaga(c *gin.Context) {
	correlationID := c.Param("correlation_id")

	inst, err := s.store.GetByCorrelationID(c.Request.Context(), correlationID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("no saga with correlation id %s", correlationID),
			})
			return
		}
		s.config.Logger.Error("failed to load saga instance", "correlation_id", correlationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, inst)
}
