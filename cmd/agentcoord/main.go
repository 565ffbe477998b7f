// Package main is the agent coordinator entry point: the HTTP control
// plane that queues runs, tracks runners, stores sessions and streams
// lifecycle events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentcoord/agentcoord/internal/blueprint"
	"github.com/agentcoord/agentcoord/internal/callback"
	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/httpmw"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/common/tracing"
	"github.com/agentcoord/agentcoord/internal/db"
	"github.com/agentcoord/agentcoord/internal/events/bus"
	"github.com/agentcoord/agentcoord/internal/run/dispatch"
	runhandlers "github.com/agentcoord/agentcoord/internal/run/handlers"
	"github.com/agentcoord/agentcoord/internal/run/queue"
	runservice "github.com/agentcoord/agentcoord/internal/run/service"
	runnerhandlers "github.com/agentcoord/agentcoord/internal/runner/handlers"
	"github.com/agentcoord/agentcoord/internal/runner/registry"
	sessionhandlers "github.com/agentcoord/agentcoord/internal/session/handlers"
	sessionservice "github.com/agentcoord/agentcoord/internal/session/service"
	"github.com/agentcoord/agentcoord/internal/session/store"
	"github.com/agentcoord/agentcoord/internal/streaming"
)

const sqliteFile = "agentcoord.db"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent coordinator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer tracing.Shutdown(context.Background())

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Session store.
	sessionStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer sessionStore.Close()

	sessions := sessionservice.NewService(sessionStore, eventBus, log)

	// Runner registry and run queue, cross-wired: registrations re-check
	// parked runs, removals fail held runs.
	reg := registry.New(cfg.Runner.StaleAfterDuration(), cfg.Runner.RemoveAfterDuration(), eventBus, log)
	runQueue := queue.New(reg, cfg.Queue.NoMatchTTLDuration(), cfg.Queue.StopGraceDuration(), log)
	reg.OnRegistered(func(string) { runQueue.RecalcNoMatch() })
	reg.OnRemoved(func(runnerID string) { runQueue.FailRunsHeldBy(runnerID) })

	loader := blueprint.NewLoader(cfg.Blueprint.Root)
	runs := runservice.NewService(runQueue, reg, sessions, loader, eventBus, log)

	callbacks := callback.NewProcessor(runs, sessions, log)
	runs.AddTerminalHook(callbacks.RunTerminal)

	dispatcher := dispatch.New(runQueue, reg, cfg.Dispatch.MaxWaitDuration(), log)

	hub := streaming.NewHub(cfg.Streaming.ReplayBuffer, func(sessionID string) string {
		sess, err := sessions.GetSession(context.Background(), sessionID)
		if err != nil {
			return ""
		}
		return sess.CreatedBy
	}, log)
	if err := hub.Start(eventBus); err != nil {
		log.Fatal("Failed to start streaming hub", zap.Error(err))
	}
	defer hub.Stop()

	reg.Start(ctx)
	runQueue.Start()
	defer runQueue.Stop()

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agentcoord"))
	router.Use(httpmw.OtelTracing("agentcoord"))

	runhandlers.NewHandler(runs, log).RegisterRoutes(router)
	sessionhandlers.NewHandler(sessions, runs, log).RegisterRoutes(router)
	runnerhandlers.NewHandler(reg, dispatcher, runs, log).RegisterRoutes(router)
	streaming.NewHandler(hub, log).RegisterRoutes(router)

	router.GET("/healthz", func(c *gin.Context) {
		if err := sessionStore.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"bus":    eventBus.IsConnected(),
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-groupCtx.Done():
		case sig := <-quit:
			log.Info("Shutting down", zap.String("signal", sig.String()))
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	log.Info("Agent coordinator stopped")
}

// openStore opens the configured database backend and initializes the
// session store over it.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
		return store.New(pool, pool)
	default:
		path := filepath.Join(cfg.Database.DataDir, sqliteFile)
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		log.Info("SQLite store initialized", zap.String("path", path))
		return newSQLiteStore(writer, reader)
	}
}

func newSQLiteStore(writer, reader *sqlx.DB) (*store.Store, error) {
	st, err := store.New(writer, reader)
	if err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, err
	}
	return st, nil
}
