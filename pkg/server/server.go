// Package server exposes continuityd's HTTP surface: health, metrics and
// the session API used by the operator CLI and the ingestion layer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/continuityd/internal/boundary"
	"github.com/fyrsmithlabs/continuityd/internal/budget"
	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/journal"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/session"
)

// Server represents the HTTP server.
type Server struct {
	config  *config.Config
	manager *session.Manager
	journal *journal.Journal
	logger  *logging.Logger
	echo    *echo.Echo
}

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	State   session.State `json:"state,omitempty"`
}

// IngestRequest carries boundary-candidate text.
type IngestRequest struct {
	Text string `json:"text"`
}

// IngestResponse reports the detection result.
type IngestResponse struct {
	Detected bool            `json:"detected"`
	Event    *boundary.Event `json:"event,omitempty"`
}

// TokensRequest carries an explicit token-count delta.
type TokensRequest struct {
	Delta int `json:"delta"`
}

// ProximityResponse pairs the tracker's view with the state machine phase.
type ProximityResponse struct {
	State     session.State    `json:"state"`
	Proximity budget.Proximity `json:"proximity"`
}

// PruneRequest controls retention cleanup. Retention defaults to the
// configured retention period when empty.
type PruneRequest struct {
	Retention string `json:"retention,omitempty"`
}

// PruneResponse reports how many files were removed.
type PruneResponse struct {
	Removed int `json:"removed"`
}

// PatternRequest registers a custom boundary pattern.
type PatternRequest struct {
	ID         string `json:"id"`
	Expr       string `json:"expr"`
	Type       string `json:"type"`
	ExplicitID bool   `json:"explicit_id"`
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *config.Config, manager *session.Manager, j *journal.Journal, logger *logging.Logger) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case manager == nil:
		return nil, errors.New("session manager is required")
	case j == nil:
		return nil, errors.New("journal is required")
	}
	if logger == nil {
		logger = logging.FromContext(context.Background())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config:  cfg,
		manager: manager,
		journal: j,
		logger:  logger,
		echo:    e,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/tokens", s.handleTokens)
	v1.GET("/session", s.handleSession)
	v1.GET("/proximity", s.handleProximity)
	v1.POST("/continue", s.handleContinue)
	v1.GET("/journal", s.handleJournal)
	v1.POST("/journal/prune", s.handlePrune)
	v1.POST("/patterns", s.handlePatterns)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.Observability.ServiceName,
		State:   s.manager.State(),
	})
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	ev, ok, err := s.manager.Ingest(c.Request().Context(), req.Text)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	resp := IngestResponse{Detected: ok}
	if ok {
		resp.Event = &ev
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTokens(c echo.Context) error {
	var req TokensRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Delta <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "delta must be positive")
	}

	p, err := s.manager.AddTokens(c.Request().Context(), req.Delta)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, ProximityResponse{State: s.manager.State(), Proximity: p})
}

func (s *Server) handleSession(c echo.Context) error {
	sess, ok := s.manager.Current()
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no active session")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleProximity(c echo.Context) error {
	return c.JSON(http.StatusOK, ProximityResponse{
		State:     s.manager.State(),
		Proximity: s.manager.Proximity(),
	})
}

func (s *Server) handleContinue(c echo.Context) error {
	sess, err := s.manager.Cross(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleJournal(c echo.Context) error {
	entries, err := s.journal.LoadAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handlePrune(c echo.Context) error {
	var req PruneRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	retention := time.Duration(s.config.Journal.RetentionPeriod)
	if req.Retention != "" {
		var err error
		retention, err = time.ParseDuration(req.Retention)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid retention: %v", err))
		}
	}

	removed, err := s.journal.Prune(c.Request().Context(), retention)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, PruneResponse{Removed: removed})
}

func (s *Server) handlePatterns(c echo.Context) error {
	var req PatternRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := s.manager.RegisterPattern(req.ID, req.Expr, boundary.Type(req.Type), req.ExplicitID)
	if err != nil {
		if errors.Is(err, boundary.ErrInvalidPattern) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

// Start starts the HTTP server and blocks until the context is cancelled.
// Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := time.Duration(s.config.Server.ShutdownTimeout)
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
