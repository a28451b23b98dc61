package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audiomesh/server/store"
)

// APIServer provides HTTP REST readouts of fleet state plus named
// routing-preset management. It runs on a separate TCP port from the
// WebSocket control plane.
type APIServer struct {
	registry *Registry
	router   *Router
	stats    *ServerStats
	pacer    *Pacer
	store    *store.Store
	echo     *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes. st may be
// nil, in which case the preset endpoints respond 503.
func NewAPIServer(reg *Registry, rt *Router, stats *ServerStats, pacer *Pacer, st *store.Store) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{registry: reg, router: rt, stats: stats, pacer: pacer, store: st, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/devices", s.handleDevices)
	s.echo.GET("/api/routes", s.handleRoutes)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/api/timing", s.handleTiming)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/api/groups", s.handleGetGroups)
	s.echo.PUT("/api/groups/:id", s.handlePutGroup)
	s.echo.DELETE("/api/groups/:id", s.handleDeleteGroup)
	s.echo.GET("/api/presets", s.handleListPresets)
	s.echo.POST("/api/presets/:name", s.handleSavePreset)
	s.echo.GET("/api/presets/:name", s.handleGetPreset)
	s.echo.DELETE("/api/presets/:name", s.handleDeletePreset)
	s.echo.POST("/api/presets/:name/apply", s.handleApplyPreset)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Run starts the Echo HTTP server on addr and blocks until ctx is
// cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Endpoints int    `json:"endpoints"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Endpoints: s.registry.Count(),
	})
}

func (s *APIServer) handleDevices(c echo.Context) error {
	devices := s.registry.List()
	if devices == nil {
		devices = []EndpointInfo{}
	}
	return c.JSON(http.StatusOK, devices)
}

func (s *APIServer) handleRoutes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.router.RoutingMatrix())
}

func (s *APIServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.stats.Snapshot())
}

// TimingResponse is the payload for GET /api/timing.
type TimingResponse struct {
	Timing     TimingStats `json:"timing"`
	Violations []Violation `json:"violations"`
}

func (s *APIServer) handleTiming(c echo.Context) error {
	return c.JSON(http.StatusOK, TimingResponse{
		Timing:     s.pacer.Stats(),
		Violations: s.pacer.Violations(),
	})
}

// GroupRequest is the body for PUT /api/groups/:id.
type GroupRequest struct {
	Members []string `json:"members"`
}

func (s *APIServer) handleGetGroups(c echo.Context) error {
	return c.JSON(http.StatusOK, s.router.Groups())
}

func (s *APIServer) handlePutGroup(c echo.Context) error {
	var req GroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.router.CreateGroup(c.Param("id"), req.Members); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleDeleteGroup(c echo.Context) error {
	if !s.router.DeleteGroup(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "no such group")
	}
	return c.NoContent(http.StatusNoContent)
}

// PresetResponse is an element in the GET /api/presets array.
type PresetResponse struct {
	Name      string        `json:"name"`
	Config    RoutingConfig `json:"config"`
	UpdatedAt int64         `json:"updated_at"`
}

func (s *APIServer) requireStore() error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "preset store not configured")
	}
	return nil
}

func (s *APIServer) handleListPresets(c echo.Context) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	presets, err := s.store.ListPresets()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]PresetResponse, 0, len(presets))
	for _, p := range presets {
		var cfg RoutingConfig
		if err := json.Unmarshal([]byte(p.ConfigJSON), &cfg); err != nil {
			log.Printf("[api] preset %q: corrupt config: %v", p.Name, err)
			continue
		}
		resp = append(resp, PresetResponse{Name: p.Name, Config: cfg, UpdatedAt: p.UpdatedAt})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSavePreset snapshots the current routing configuration under the
// given name. The body is ignored; presets always capture live state.
func (s *APIServer) handleSavePreset(c echo.Context) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	name := c.Param("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "preset name required")
	}
	cfg := s.router.Export()
	data, err := json.Marshal(cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := s.store.SavePreset(name, string(data)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, PresetResponse{Name: name, Config: cfg, UpdatedAt: time.Now().Unix()})
}

func (s *APIServer) handleGetPreset(c echo.Context) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	p, ok, err := s.store.GetPreset(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such preset")
	}
	var cfg RoutingConfig
	if err := json.Unmarshal([]byte(p.ConfigJSON), &cfg); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "corrupt preset")
	}
	return c.JSON(http.StatusOK, PresetResponse{Name: p.Name, Config: cfg, UpdatedAt: p.UpdatedAt})
}

func (s *APIServer) handleDeletePreset(c echo.Context) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	if err := s.store.DeletePreset(c.Param("name")); err != nil {
		if err == sql.ErrNoRows {
			return echo.NewHTTPError(http.StatusNotFound, "no such preset")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// handleApplyPreset imports a saved preset into the live routing engine.
func (s *APIServer) handleApplyPreset(c echo.Context) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	p, ok, err := s.store.GetPreset(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such preset")
	}
	var cfg RoutingConfig
	if err := json.Unmarshal([]byte(p.ConfigJSON), &cfg); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "corrupt preset")
	}
	if err := s.router.Import(cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// This replaces Echo's default handler which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		log.Printf("[api] error response: %v", err)
	}
}
