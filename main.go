package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leisurelyCoder/chattle/auth"
	"github.com/leisurelyCoder/chattle/config"
	"github.com/leisurelyCoder/chattle/conversation"
	"github.com/leisurelyCoder/chattle/db"
	"github.com/leisurelyCoder/chattle/fanout"
	"github.com/leisurelyCoder/chattle/message"
	"github.com/leisurelyCoder/chattle/presence"
	"github.com/leisurelyCoder/chattle/server"
	"github.com/leisurelyCoder/chattle/session"
	"github.com/leisurelyCoder/chattle/typing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("chattle exited", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	// nobody is connected right after boot
	if err := database.ResetPresence(ctx); err != nil {
		return err
	}

	var mirror presence.Mirror
	if cfg.RedisURL != "" {
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		mirror = presence.NewRedisMirror(client, cfg.PresenceTTL)
		logger.Info("presence mirror enabled")
	}

	router := fanout.New(logger)
	router.Open()

	registry := session.NewRegistry(database, logger)
	directory := conversation.NewDirectory(database, logger)
	signals := typing.New(router, cfg.TypingWindow, logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTRefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	srv := server.New(server.Deps{
		DB:        database,
		Auth:      auth.NewService(database, issuer, logger),
		Router:    router,
		Sessions:  registry,
		Presence:  presence.NewCoordinator(registry, database, router, mirror, logger),
		Directory: directory,
		Messages:  message.NewPipeline(database, directory, registry, router, logger),
		Typing:    signals,
	}, &server.ServerConfig{
		Port:              cfg.Port,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		FrontendURL:       cfg.FrontendURL,
		Production:        cfg.IsProduction(),
		RefreshTokenTTL:   cfg.RefreshTokenTTL,
		MessageRateLimit:  cfg.MessageRateLimit,
		MessageRateWindow: cfg.MessageRateWindow,
		AuthRateLimit:     cfg.AuthRateLimit,
		AuthRateWindow:    cfg.AuthRateWindow,
	}, logger)

	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return signals.Run(ctx) })
	if cfg.ControlSocket != "" {
		stop := func(reason string, completion time.Time) {
			srv.SetShutdownNotice(reason, completion)
			shutdown()
		}
		g.Go(func() error { return serveControlSocket(ctx, cfg.ControlSocket, srv, stop, logger) })
	}

	err = g.Wait()
	logger.Info("chattle stopped")
	return err
}

type statsSource interface {
	GetStats() string
}

// shutdownFunc stops the server; reason and completion are passed on to connected clients.
type shutdownFunc func(reason string, completion time.Time)

// serveControlSocket accepts line commands on a unix socket until ctx is done.
func serveControlSocket(ctx context.Context, path string, stats statsSource, shutdown shutdownFunc, logger *zap.Logger) error {
	log := logger.Named("control")

	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		// the server is still useful without it
		log.Warn("failed to create control socket", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("control socket listening", zap.String("path", path))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go handleControlCommand(conn, stats, shutdown, log)
	}
}

func handleControlCommand(conn net.Conn, stats statsSource, shutdown shutdownFunc, log *zap.Logger) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.Split(strings.TrimSpace(line), "|")
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + stats.GetStats() + "\n"))
	case "shutdown":
		// shutdown|reason|completion, completion in RFC3339
		var reason string
		var completion time.Time
		if len(parts) >= 2 {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			t, err := time.Parse(time.RFC3339, parts[2])
			if err != nil {
				conn.Write([]byte("ERROR|Invalid completion time\n"))
				return
			}
			completion = t
		}

		conn.Write([]byte("OK|Shutting down\n"))
		log.Info("shutdown requested over control socket",
			zap.String("reason", reason),
			zap.Time("completion", completion),
		)
		shutdown(reason, completion)
	case "":
		conn.Write([]byte("ERROR|Invalid command\n"))
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
