// Package api serves the recorder over HTTP: a JSON REST surface for local
// tooling and a websocket that streams status changes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-recorder/internal/control"
	"github.com/e7canasta/orion-recorder/internal/gallery"
)

const shutdownTimeout = 5 * time.Second

// Recordings lists registered files.
type Recordings interface {
	List(ctx context.Context, limit int) ([]gallery.Recording, error)
	Get(ctx context.Context, id string) (gallery.Recording, error)
}

// Server is the HTTP front end.
type Server struct {
	svc        control.Service
	dispatcher *control.Dispatcher
	recordings Recordings
	logger     *slog.Logger

	router   *gin.Engine
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

// NewServer builds the router. recordings may be nil when the gallery is
// disabled.
func NewServer(svc control.Service, dispatcher *control.Dispatcher, recordings Recordings, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	s := &Server{
		svc:        svc,
		dispatcher: dispatcher,
		recordings: recordings,
		logger:     logger,
		router:     router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})

	api := s.router.Group("/api")
	{
		api.GET("/status", s.command("get_status"))
		api.GET("/capabilities", s.command("get_capabilities"))
		api.GET("/stats", s.command("get_stats"))
		api.GET("/profiles", s.command("list_profiles"))
		api.PUT("/profile", s.setProfile)
		api.PUT("/controls", s.setControls)

		api.POST("/device/open", s.openDevice)
		api.POST("/device/close", s.command("close_device"))
		api.POST("/recording/start", s.command("start_recording"))
		api.POST("/recording/stop", s.command("stop_recording"))

		api.GET("/recordings", s.listRecordings)
		api.GET("/recordings/:id", s.getRecording)

		api.POST("/command", s.rawCommand)
		api.GET("/ws", s.streamStatus)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api: server stopped", "error", err)
		}
	}()
	s.logger.Info("api: listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the server. Open websockets are cut when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "api: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}
