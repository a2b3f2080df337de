// Package httpapi is the HTTP façade over the job and credit
// services: job submission and lifecycle, artifact download, wallet
// operations, and the admin overrides.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/muxminus/stemd/internal/storage"
	"github.com/muxminus/stemd/internal/sweep"
	"github.com/muxminus/stemd/pkg/jobs"
	"github.com/muxminus/stemd/pkg/ledger"
)

const (
	defaultMaxUploadBytes  = 200 << 20
	shutdownTimeout        = 5 * time.Second
	historyListLimit       = 50
	uploadFormFileField    = "file"
	uploadFormOperation    = "operation"
	uploadFormModel        = "model"
	uploadFormTwoStem      = "two_stem"
	uploadFormOutputFormat = "output_format"
)

// Config carries the façade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SigningKey     string
	MaxUploadBytes int64
}

// Server wires the HTTP routes to the domain services.
type Server struct {
	logger        *zap.Logger
	jobsService   *jobs.Service
	ledgerService *ledger.Service
	sweeper       *sweep.Sweeper
	artifacts     *storage.Store
	cfg           Config
}

// NewServer validates dependencies and returns a ready Server.
func NewServer(logger *zap.Logger, jobsService *jobs.Service, ledgerService *ledger.Service, sweeper *sweep.Sweeper, artifacts *storage.Store, cfg Config) (*Server, error) {
	if logger == nil {
		return nil, errors.New("httpapi: logger is required")
	}
	if jobsService == nil {
		return nil, errors.New("httpapi: jobs service is required")
	}
	if ledgerService == nil {
		return nil, errors.New("httpapi: ledger service is required")
	}
	if sweeper == nil {
		return nil, errors.New("httpapi: sweeper is required")
	}
	if artifacts == nil {
		return nil, errors.New("httpapi: artifact store is required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("httpapi: signing key is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Server{
		logger:        logger,
		jobsService:   jobsService,
		ledgerService: ledgerService,
		sweeper:       sweeper,
		artifacts:     artifacts,
		cfg:           cfg,
	}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(server.cfg.SigningKey)))

	api.POST("/jobs", server.handleSubmitJob)
	api.GET("/jobs", server.handleListJobs)
	api.GET("/jobs/:jobID", server.handleGetJob)
	api.POST("/jobs/:jobID/cancel", server.handleCancelJob)
	api.GET("/jobs/:jobID/download", server.handleDownload)

	api.GET("/credits/balance", server.handleBalance)
	api.GET("/credits/history", server.handleHistory)
	api.POST("/credits/purchase", server.handlePurchase)

	admin := api.Group("/admin")
	admin.Use(adminOnly())
	admin.POST("/credits/adjust", server.handleAdjustCredit)
	admin.POST("/jobs/:jobID/archive", server.handleForceArchive)
	admin.POST("/jobs/:jobID/cancel", server.handleForceCancel)
	admin.DELETE("/jobs/:jobID", server.handleForceDelete)
	admin.POST("/accounts/:accountID/active", server.handleToggleAccountActive)

	return router
}

// Run serves until the context is cancelled, then drains connections.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	}
}
