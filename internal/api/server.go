// Package api serves the management HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/skypass/fleetwatch/internal/auth"
	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/logbuffer"
	"github.com/skypass/fleetwatch/internal/monitor"
	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
	"github.com/skypass/fleetwatch/internal/version"
)

// ConfigReloadFunc is called when config reload is requested
type ConfigReloadFunc func() (*config.Config, error)

// Operations are the on-demand monitor actions the API exposes.
type Operations interface {
	ProbeNow(ctx context.Context, id uint) (monitor.ProbeOutcome, error)
	SendAlertNow(ctx context.Context, id uint, kind types.AlertKind) monitor.Outcome
	ResendAlert(ctx context.Context, alertID string) monitor.Outcome
	TestConnection(ctx context.Context, address string) monitor.Outcome
	Status() monitor.Status
	Forget(id uint)
}

// Authenticator verifies admins and their tokens.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, int64, error)
	ParseToken(token string) (*auth.Claims, error)
	ChangePassword(ctx context.Context, username, current, next string) error
}

// Server provides the HTTP API
type Server struct {
	store      store.Store
	ops        Operations
	auth       Authenticator
	cfg        *config.Holder
	logger     zerolog.Logger
	logBuffer  *logbuffer.Buffer
	reloadFunc ConfigReloadFunc
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(st store.Store, ops Operations, authn Authenticator, cfg *config.Holder, logger zerolog.Logger) *Server {
	return &Server{
		store:      st,
		ops:        ops,
		auth:       authn,
		cfg:        cfg,
		logger:     logger.With().Str("component", "api").Logger(),
		reloadFunc: cfg.Reload,
		startTime:  time.Now(),
	}
}

// SetLogBuffer sets the buffer served by /api/logs.
func (s *Server) SetLogBuffer(lb *logbuffer.Buffer) {
	s.logBuffer = lb
}

// SetReloadFunc sets the function to call when config reload is requested
func (s *Server) SetReloadFunc(fn ConfigReloadFunc) {
	s.reloadFunc = fn
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(RequestLogger(s.logger), Recovery(s.logger))
	r.Use(CORSMiddleware(s.cfg.Current().Server.AllowedOrigins))

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.POST("/api/auth/login", s.handleLogin)

	api := r.Group("/api", AuthMiddleware(s.auth))
	{
		api.GET("/dashboard", s.handleDashboard)

		api.GET("/endpoints", s.listEndpoints)
		api.POST("/endpoints", s.createEndpoint)
		api.GET("/endpoints/:id", s.getEndpoint)
		api.PUT("/endpoints/:id", s.updateEndpoint)
		api.DELETE("/endpoints/:id", s.deleteEndpoint)
		api.POST("/endpoints/:id/probe", s.probeEndpoint)
		api.POST("/endpoints/:id/alert", s.sendAlert)

		api.GET("/alerts", s.listAlerts)
		api.POST("/alerts/:id/resend", s.resendAlert)
		api.POST("/test-connection", s.testConnection)

		api.GET("/logs", s.handleLogs)
		api.POST("/reload", s.handleReload)
		api.PUT("/admin/password", s.changePassword)
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Current().Server.Listen()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.logger.Info().Msg("API server stopped")
		return nil
	}
}

// handleHealth returns service health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns the scheduler summary and build info.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"monitor": s.ops.Status(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": version.Get(),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	if s.logBuffer == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []logbuffer.Entry{}})
		return
	}
	limit := queryInt(c, "limit", 200)
	c.JSON(http.StatusOK, gin.H{"entries": s.logBuffer.Recent(limit, c.Query("level"))})
}

// handleReload handles config reload requests
func (s *Server) handleReload(c *gin.Context) {
	if s.reloadFunc == nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "Config reload not configured"})
		return
	}

	s.logger.Info().Msg("Config reload requested via API")
	newCfg, err := s.reloadFunc()
	if err != nil {
		s.logger.Error().Err(err).Msg("Config reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	s.logger.Info().
		Dur("interval", newCfg.Monitor.Interval).
		Dur("cooldown", newCfg.Monitor.Cooldown).
		Msg("Config reloaded successfully")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"interval": newCfg.Monitor.Interval.String(),
		"cooldown": newCfg.Monitor.Cooldown.String(),
	})
}
