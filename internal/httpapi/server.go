package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"brushmic/internal/mic"
	"brushmic/internal/monitor"
	"brushmic/internal/store"
	"brushmic/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const maxSessionsLimit = 500

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	mon   *monitor.Monitor
	store *store.Store
}

// New constructs an Echo app with REST and websocket routes. st may be nil,
// in which case the session and profile routes answer 503.
func New(mon *monitor.Monitor, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, mon: mon, store: st}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/detection", s.handleDetection)
	s.echo.GET("/api/params", s.handleGetParams)
	s.echo.PUT("/api/params", s.handlePutParams)
	s.echo.POST("/api/mute", s.handleMute)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/profiles", s.handleProfiles)
	s.echo.POST("/api/profiles/:name/activate", s.handleActivateProfile)
	ws.NewHandler(s.mon).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	slog.Info("http api listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Brushing    bool   `json:"brushing"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Brushing:    s.mon.Snapshot().Active,
		Subscribers: s.mon.Subscribers(),
	})
}

func (s *Server) handleDetection(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mon.Snapshot())
}

func (s *Server) handleGetParams(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mon.Params())
}

// handlePutParams accepts a full or partial Params object; omitted fields
// keep their current values.
func (s *Server) handlePutParams(c echo.Context) error {
	p := s.mon.Params()
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid params payload")
	}
	if err := validateParams(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	applied, err := s.mon.SetParams(c.Request().Context(), p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist params: %v", err))
	}
	return c.JSON(http.StatusOK, applied)
}

func validateParams(p mic.Params) error {
	fields := []struct {
		name string
		v    float64
	}{
		{"ratio_on", p.RatioOn},
		{"ratio_hold", p.RatioHold},
		{"tonality_on", p.TonalityOn},
		{"tonality_hold", p.TonalityHold},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return fmt.Errorf("%s must be a finite non-negative number", f.name)
		}
	}
	if p.DebounceFrames < 0 {
		return fmt.Errorf("debounce_frames must be non-negative")
	}
	return nil
}

type muteRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

type muteResponse struct {
	MutedUntilMs int64 `json:"muted_until_ms"`
}

func (s *Server) handleMute(c echo.Context) error {
	var req muteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid mute payload")
	}
	if req.DurationMs < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "duration_ms must be non-negative")
	}
	until := s.mon.Mute(time.Duration(req.DurationMs) * time.Millisecond)
	slog.Info("detection muted", "until", until, "source", "http")

	var resp muteResponse
	if !until.IsZero() {
		resp.MutedUntilMs = until.UnixMilli()
	}
	return c.JSON(http.StatusOK, resp)
}

type sessionResponse struct {
	ID         int64   `json:"id"`
	Profile    string  `json:"profile"`
	StartedAt  string  `json:"started_at"`
	EndedAt    string  `json:"ended_at"`
	DurationMs int64   `json:"duration_ms"`
	Frames     int     `json:"frames"`
	PeakRMS    float64 `json:"peak_rms"`
}

type sessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
	Count    int               `json:"count"`
	TotalMs  int64             `json:"total_ms"`
}

func (s *Server) handleSessions(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session storage is not configured")
	}

	limit := 50
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxSessionsLimit)
	}

	ctx := c.Request().Context()
	rows, err := s.store.Sessions(ctx, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load sessions: %v", err))
	}
	stats, err := s.store.SessionStats(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load session stats: %v", err))
	}

	resp := sessionsResponse{
		Sessions: make([]sessionResponse, 0, len(rows)),
		Count:    stats.Count,
		TotalMs:  stats.Total.Milliseconds(),
	}
	for _, r := range rows {
		resp.Sessions = append(resp.Sessions, sessionResponse{
			ID:         r.ID,
			Profile:    r.Profile,
			StartedAt:  r.StartedAt.Format(time.RFC3339Nano),
			EndedAt:    r.EndedAt.Format(time.RFC3339Nano),
			DurationMs: r.Duration().Milliseconds(),
			Frames:     r.Frames,
			PeakRMS:    r.PeakRMS,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

type profileResponse struct {
	Name      string     `json:"name"`
	Params    mic.Params `json:"params"`
	UpdatedAt string     `json:"updated_at"`
	Active    bool       `json:"active"`
	Streak    int        `json:"streak"`
}

func (s *Server) handleProfiles(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "profile storage is not configured")
	}
	rows, err := s.store.Profiles(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load profiles: %v", err))
	}
	active := s.mon.Profile()
	now := time.Now()
	out := make([]profileResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, profileResponse{
			Name:      p.Name,
			Params:    p.Params,
			UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
			Active:    p.Name == active,
			Streak:    p.Streak.Current(now),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleActivateProfile(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "profile storage is not configured")
	}
	name := strings.TrimSpace(c.Param("name"))
	ctx := c.Request().Context()

	p, err := s.store.Profile(ctx, name)
	if errors.Is(err, store.ErrProfileNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "profile not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load profile: %v", err))
	}
	if err := s.store.SetSetting(ctx, store.SettingActiveProfile, p.Name); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("store active profile: %v", err))
	}
	s.mon.UseProfile(p.Name, p.Params)
	slog.Info("profile activated", "profile", p.Name)

	return c.JSON(http.StatusOK, profileResponse{
		Name:      p.Name,
		Params:    p.Params,
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
		Active:    true,
		Streak:    p.Streak.Current(time.Now()),
	})
}
