// Package api exposes the webhook surface. Handlers validate, schedule a
// unit of thread work, and ack; they never wait on the LLM or the tracker.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/threadline/internal/jobqueue"
)

// Scheduler hands thread work to a background runner. Implemented by
// jobqueue.JobQueue and jobqueue.AsyncRunner.
type Scheduler interface {
	Schedule(ctx context.Context, args jobqueue.ThreadWorkArgs) error
}

// Server represents the API server.
type Server struct {
	echo           *echo.Echo
	port           int
	scheduler      Scheduler
	sentinelSender string
	log            zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(port int, scheduler Scheduler, sentinelSender string, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:           e,
		port:           port,
		scheduler:      scheduler,
		sentinelSender: sentinelSender,
		log:            log,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints.
func (s *Server) setupRoutes() {
	s.echo.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"message": "welcome to threadline",
		})
	})

	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/webhook/new-thread", s.handleNewThread)
	s.echo.POST("/webhook/human-response", s.handleHumanResponse)
}

// Start begins the API server and blocks until interrupted.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// Handler exposes the configured routes for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
