// Package main is the entry point of the application
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tecu23/duel-server/internal/auth"
	"github.com/tecu23/duel-server/internal/metrics"
	"github.com/tecu23/duel-server/pkg/config"
	"github.com/tecu23/duel-server/pkg/events"
	"github.com/tecu23/duel-server/pkg/game"
	"github.com/tecu23/duel-server/pkg/group"
	"github.com/tecu23/duel-server/pkg/manager"
	"github.com/tecu23/duel-server/pkg/repository"
	"github.com/tecu23/duel-server/pkg/rules"
	"github.com/tecu23/duel-server/pkg/server"
)

// App encapsulates global dependencies
type application struct {
	Auth      *auth.APIKeyAuth
	Logger    *zap.Logger
	Config    config.Config
	Publisher *events.Publisher
	Manager   *manager.Manager
	Hub       *server.Hub
	Store     repository.ConclusionStore
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Server    *http.Server

	StartTime time.Time
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.String("port", "8080", "server port")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Flags win over the environment when given explicitly
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			cfg.Debug = *debug
		case "port":
			cfg.Port = *port
		}
	})

	// Initialize logger
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("loading .env failed", zap.Error(envErr))
	}

	presets, err := config.LoadPresets(cfg.TimeControlsFile)
	if err != nil {
		logger.Fatal("loading time control presets failed", zap.Error(err))
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("initialize conclusion store error", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize event publisher
	publisher := events.NewPublisher()
	m.Observe(publisher)

	directory := server.NewDirectory()
	groups := group.NewRegistry(directory, logger)

	// Initialize session manager
	gm := manager.NewManager(game.NewRegistry(logger), groups, rules.NewChessOracle(), publisher, logger,
		manager.WithStore(store),
		manager.WithDefaultTimeControl(cfg.DefaultTimeControl()),
		manager.WithPresets(presets),
	)

	hub := server.NewHub(gm, groups, directory, publisher, logger,
		server.WithMetrics(m),
		server.WithSpectatorTTL(cfg.SpectatorTTL),
	)

	authKeys := auth.NewAPIKeyAuth(cfg.APIKeys)
	if !authKeys.Enabled() {
		logger.Warn("API_KEYS is empty, HTTP authentication is disabled")
	}

	app := &application{
		Auth:      authKeys,
		Logger:    logger,
		Config:    cfg,
		Publisher: publisher,
		Manager:   gm,
		Hub:       hub,
		Store:     store,
		Metrics:   m,
		Gatherer:  registry,
		StartTime: time.Now(),
	}

	go app.Hub.Run()

	err = app.serve()
	if err != nil {
		logger.Fatal("error serving", zap.Error(err))
	}
}

// newStore hands conclusions to JetStream when NATS_URL is set and keeps them in memory otherwise
func newStore(cfg config.Config, logger *zap.Logger) (repository.ConclusionStore, error) {
	if cfg.NATSURL == "" {
		logger.Info("NATS_URL not set, keeping conclusions in memory")
		return repository.NewInMemoryRepository(logger), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	js, err := repository.ConnectJetStream(ctx, cfg.JetStream(), logger)
	if err != nil {
		return nil, err
	}
	return js, nil
}

func initLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	return logger
}

// Shutdown cleans up resources. Live sessions are aborted first so their conclusions
// are still handed off, then clients are disconnected.
func (app *application) Shutdown(ctx context.Context) {
	if app.Manager != nil {
		if err := app.Manager.Shutdown(ctx); err != nil {
			app.Logger.Error("Session shutdown incomplete", zap.Error(err))
		}
	}

	// Shut down hub
	if app.Hub != nil {
		app.Hub.Shutdown()
	}

	if closer, ok := app.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			app.Logger.Error("Closing conclusion store failed", zap.Error(err))
		}
	}

	app.Logger.Info("All components shut down successfully")
}
