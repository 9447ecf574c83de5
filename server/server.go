package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/leisurelyCoder/chattle/auth"
	"github.com/leisurelyCoder/chattle/conversation"
	"github.com/leisurelyCoder/chattle/db"
	"github.com/leisurelyCoder/chattle/fanout"
	"github.com/leisurelyCoder/chattle/message"
	"github.com/leisurelyCoder/chattle/presence"
	"github.com/leisurelyCoder/chattle/protocol"
	"github.com/leisurelyCoder/chattle/session"
	"github.com/leisurelyCoder/chattle/typing"
	"go.uber.org/zap"
)

const defaultShutdownReason = "maintenance"

type ServerConfig struct {
	Port              int
	ReadTimeout       time.Duration // idle websocket is dropped after this long without a pong
	WriteTimeout      time.Duration
	FrontendURL       string
	Production        bool
	RefreshTokenTTL   time.Duration
	MessageRateLimit  int
	MessageRateWindow time.Duration
	AuthRateLimit     int
	AuthRateWindow    time.Duration
}

// Deps are the engine components the transport drives.
type Deps struct {
	DB        *db.DB
	Auth      *auth.Service
	Router    *fanout.Router
	Sessions  *session.Registry
	Presence  *presence.Coordinator
	Directory *conversation.Directory
	Messages  *message.Pipeline
	Typing    *typing.Signal
}

type Server struct {
	deps   Deps
	config *ServerConfig
	log    *zap.Logger

	engine      *gin.Engine
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	msgLimiter  *limiter
	authLimiter *limiter

	// live websocket handlers; hijacked connections are invisible to http.Server.Shutdown
	clients sync.WaitGroup

	noticeMu sync.Mutex
	notice   protocol.ServerShutdown
}

func New(deps Deps, config *ServerConfig, logger *zap.Logger) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.FrontendURL == "" {
		config.FrontendURL = "http://localhost:5173"
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if config.MessageRateLimit == 0 {
		config.MessageRateLimit, config.MessageRateWindow = 30, time.Minute
	}
	if config.AuthRateLimit == 0 {
		config.AuthRateLimit, config.AuthRateWindow = 5, 15*time.Minute
	}

	s := &Server{
		deps:        deps,
		config:      config,
		log:         logger.Named("server"),
		msgLimiter:  newLimiter(config.MessageRateLimit, config.MessageRateWindow),
		authLimiter: newLimiter(config.AuthRateLimit, config.AuthRateWindow),
		notice:      protocol.ServerShutdown{Reason: defaultShutdownReason},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(config.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	if s.config.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{s.config.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.requireAuth(), s.serveWS)

	api := r.Group("/api")
	{
		authGroup := api.Group("/auth")
		authGroup.POST("/register", s.limitByIP(), s.handleRegister)
		authGroup.POST("/login", s.limitByIP(), s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
		authGroup.POST("/logout", s.handleLogout)

		users := api.Group("/users", s.requireAuth())
		users.GET("/me", s.handleMe)
		users.PATCH("/me", s.handleUpdateMe)
		users.GET("/search", s.handleSearchUsers)
		users.GET("/all", s.handleAllUsers)

		conversations := api.Group("/conversations", s.requireAuth())
		conversations.GET("", s.handleListConversations)
		conversations.POST("", s.handleCreateConversation)
		conversations.GET("/:conversationId", s.handleGetConversation)
		conversations.GET("/:conversationId/messages", s.handleGetMessages)
		conversations.POST("/:conversationId/messages", s.handleCreateMessage)
	}

	return r
}

// Handler exposes the engine, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.log.Info("chattle server started", zap.Int("port", s.config.Port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// SetShutdownNotice sets what connected clients are told when the server stops.
func (s *Server) SetShutdownNotice(reason string, completion time.Time) {
	if reason == "" {
		reason = defaultShutdownReason
	}

	s.noticeMu.Lock()
	defer s.noticeMu.Unlock()
	s.notice = protocol.ServerShutdown{Reason: reason}
	if !completion.IsZero() {
		s.notice.CompletionTime = &completion
	}
}

// Shutdown tells every client why, closes the connections, stops the HTTP
// listener and waits for the websocket handlers to release their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.noticeMu.Lock()
	notice := s.notice
	s.noticeMu.Unlock()

	notified := s.deps.Router.BroadcastGlobal(protocol.MustEnvelope(protocol.EventServerShutdown, notice))
	s.log.Info("shutting down",
		zap.String("reason", notice.Reason),
		zap.Int("notified", notified),
	)

	s.deps.Router.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket clients: %w", ctx.Err())
	}

	s.log.Info("chattle server stopped")
	return nil
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	routes := s.deps.Router.Stats()
	sessions := s.deps.Sessions.Stats()
	return fmt.Sprintf("connections=%d,online_users=%d,groups=%d",
		routes.Connections, sessions.OnlineUsers, routes.Groups)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.config.Production {
		return true
	}
	return origin == s.config.FrontendURL
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
