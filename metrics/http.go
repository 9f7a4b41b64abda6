package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version,omitempty"`
	Stats     *Stats    `json:"stats,omitempty"`
}

// Server is the per-worker sidecar listener exposing /metrics and
// /healthz. A nil tracker drops the stats block from health responses.
type Server struct {
	echo      *echo.Echo
	collector *Collector
	tracker   *Tracker
	version   string
	startTime time.Time
}

// NewServer wires the routes and returns the server. Start must be
// called to begin listening.
func NewServer(collector *Collector, tracker *Tracker, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		collector: collector,
		tracker:   tracker,
		version:   version,
		startTime: time.Now(),
	}

	e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	e.GET("/healthz", s.healthz)

	return s
}

func (s *Server) healthz(c echo.Context) error {
	health := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Version:   s.version,
	}
	if s.tracker != nil {
		health.Stats = s.tracker.GetStats()
	}
	return c.JSON(http.StatusOK, health)
}

// Start listens on the given address until Shutdown is called.
func (s *Server) Start(address string) error {
	log.WithField("address", address).Info("Starting metrics listener")
	if err := s.echo.Start(address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
