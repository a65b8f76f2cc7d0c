// Package websocket serves the drawing protocol over WebSocket and exposes the
// small HTTP API around it.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/cory-johannsen/drawsync/internal/config"
	"github.com/cory-johannsen/drawsync/internal/gateway"
)

const (
	roomCodeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	roomCodeLength   = 8
	shutdownTimeout  = 5 * time.Second
	healthMessage    = "Drawing relay is running"
)

// SessionHandler serves one client connection.
type SessionHandler interface {
	HandleSession(ctx context.Context, stream gateway.Stream) error
}

// Stats reports live counters for the health endpoint.
type Stats interface {
	RoomCount() int
	SessionCount() int
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Uptime         string    `json:"uptime"`
	ActiveRooms    int       `json:"activeRooms"`
	ActiveSessions int       `json:"activeSessions"`
}

// RoomCodeResponse is the body of POST /api/rooms.
type RoomCodeResponse struct {
	RoomID string `json:"roomId"`
}

// Acceptor serves HTTP, upgrades WebSocket requests and hands each connection
// to a SessionHandler.
type Acceptor struct {
	cfg      config.ServerConfig
	wsCfg    config.WebSocketConfig
	handler  SessionHandler
	stats    Stats
	logger   *zap.Logger
	upgrader gws.Upgrader
	router   *gin.Engine
	started  time.Time

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an Acceptor and its routes.
//
// Precondition: cfg and wsCfg must be valid; handler, stats and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, wsCfg config.WebSocketConfig, handler SessionHandler, stats Stats, logger *zap.Logger) *Acceptor {
	policy, invalid := NewOriginPolicy(wsCfg.AllowedOrigins)
	for _, origin := range invalid {
		logger.Warn("ignoring invalid allowed origin", zap.String("origin", origin))
	}

	a := &Acceptor{
		cfg:     cfg,
		wsCfg:   wsCfg,
		handler: handler,
		stats:   stats,
		logger:  logger,
		started: time.Now(),
		quit:    make(chan struct{}),
	}
	a.upgrader = gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if policy.Allow(r) {
				return true
			}
			logger.Warn("blocked connection from disallowed origin",
				zap.String("origin", r.Header.Get("Origin")),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
	}
	a.router = a.routes()
	return a
}

func (a *Acceptor) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(a.wsCfg.Path, a.serveWebSocket)
	api := r.Group("/api", a.requestLogger())
	api.GET("/health", a.health)
	api.POST("/rooms", a.newRoomCode)
	return r
}

// Handler returns the HTTP handler serving every route.
func (a *Acceptor) Handler() http.Handler {
	return a.router
}

func (a *Acceptor) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (a *Acceptor) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:         "OK",
		Message:        healthMessage,
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(a.started).Round(time.Second).String(),
		ActiveRooms:    a.stats.RoomCount(),
		ActiveSessions: a.stats.SessionCount(),
	})
}

// newRoomCode suggests a fresh room id. No room is created until someone joins it.
func (a *Acceptor) newRoomCode(c *gin.Context) {
	code, err := gonanoid.Generate(roomCodeAlphabet, roomCodeLength)
	if err != nil {
		a.logger.Error("generating room code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate room code"})
		return
	}
	c.JSON(http.StatusCreated, RoomCodeResponse{RoomID: code})
}

// serveWebSocket upgrades the request and runs the session on the request goroutine.
func (a *Acceptor) serveWebSocket(c *gin.Context) {
	if !a.track() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	defer a.wg.Done()

	ws, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	start := time.Now()
	addr := c.Request.RemoteAddr
	a.logger.Info("client connected", zap.String("remote_addr", addr))

	conn := NewConn(ws, a.wsCfg, a.logger.With(zap.String("remote_addr", addr)))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.HandleSession(ctx, conn); err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		a.logger.Info("session ended cleanly",
			zap.String("remote_addr", addr),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// track registers a live session unless the acceptor is stopping.
func (a *Acceptor) track() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.quit:
		return false
	default:
		a.wg.Add(1)
		return true
	}
}

// ListenAndServe starts the HTTP listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns. Returns nil at
// once if Stop was called first.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	server := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	select {
	case <-a.quit:
		// Stop ran before the server existed and had nothing to shut down.
		a.mu.Unlock()
		_ = listener.Close()
		a.logger.Info("http acceptor stopped before serving")
		return nil
	default:
	}
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("http acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("ws_path", a.wsCfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, ends every live session and waits for them.
//
// Postcondition: All connections are closed and session goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		return
	default:
	}
	close(a.quit)
	a.running = false
	server := a.server
	a.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	a.wg.Wait()

	a.logger.Info("http acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
