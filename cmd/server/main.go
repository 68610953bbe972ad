package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/curetrials/trialchat"
	"github.com/curetrials/trialchat/internal/chat"
	"github.com/curetrials/trialchat/internal/handlers"
	"github.com/curetrials/trialchat/internal/locations"
	"github.com/curetrials/trialchat/internal/services"
	"github.com/curetrials/trialchat/internal/stream"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type store interface {
	chat.Store
	io.Closer
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFilePath string

	cmd := &cobra.Command{
		Use:   "trialchat",
		Short: "Conversational clinical-trial search",
		Long: "trialchat serves a chat page that answers clinical-trial questions through the trial-search " +
			"backend, reveals answers progressively and maps the places they mention.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFilePath, cmd.Flags().Changed("config"))
		},
	}
	cmd.Flags().StringVarP(&cfgFilePath, "config", "c", "", "path to the config file (default <user config dir>/trialchat/config.yaml)")
	return cmd
}

func run(ctx context.Context, cfgFilePath string, explicitConfig bool) error {
	// A missing .env file is fine; the environment may be set another way.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "trialchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(cfgPath, "config.yaml")
	}

	cfg, err := loadConfig(cfgFilePath, explicitConfig)
	if err != nil {
		return err
	}
	cfg.applyEnv()

	logger, err := cfg.logger()
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Store, cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var extractor locations.LLM
	if cfg.Extractor == nil && os.Getenv("GEMINI_API_KEY") != "" {
		cfg.Extractor = geminiConfig{}
	}
	if cfg.Extractor != nil {
		extractor, err = cfg.Extractor.extractor(logger)
		if err != nil {
			return fmt.Errorf("error creating location extractor: %w", err)
		}
	} else {
		logger.Info("No location extractor configured, using pattern matching only")
	}

	geocoder := locations.NewCachedGeocoder(services.NewMapbox(cfg.Geocoder.AccessToken, cfg.Geocoder.Endpoint, cfg.Geocoder.Timeout))
	resolver := locations.NewResolver(extractor, geocoder, cfg.Geocoder.Delay, logger)

	searcher := services.NewSearchClient(services.SearchClientConfig{
		Endpoint:              cfg.Search.Endpoint,
		Threshold:             cfg.Search.Threshold,
		ExternalDataThreshold: cfg.Search.ExternalDataThreshold,
		Timeout:               cfg.Search.Timeout,
	}, logger)

	presenter := stream.NewPresenter()
	if cfg.Streaming.Settle != nil {
		presenter.Settle = *cfg.Streaming.Settle
	}
	if cfg.Streaming.Interval != nil {
		presenter.Interval = *cfg.Streaming.Interval
	}

	events := handlers.NewEvents(logger)
	registry := chat.NewRegistry(context.Background(), chat.Deps{
		Searcher:  searcher,
		Store:     st,
		Locations: resolver,
		Publisher: events,
		Logger:    logger,
	}, chat.Config{
		NResults:    cfg.Search.NResults,
		Presenter:   presenter,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	m, err := handlers.NewMain(events, registry, handlers.Config{
		UserHeader:   cfg.UserHeader,
		SecureCookie: cfg.SecureCookie,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	// Serve static files
	staticFS, err := fs.Sub(trialchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chat", m.HandleChat)
	mux.HandleFunc("GET /turns", m.HandleTurns)
	mux.HandleFunc("GET /sse", m.HandleSSE)
	mux.HandleFunc("GET /conversations", m.HandleConversations)
	mux.HandleFunc("GET /conversations/{id}/messages", m.HandleConversationMessages)
	mux.HandleFunc("DELETE /conversations/{id}", m.HandleDeleteConversation)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

	case <-ctx.Done():
		logger.Info("Start shutdown", slog.String("reason", ctx.Err().Error()))
	}

	// Create context with timeout for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Sessions finish before the store closes, and event streams end so the server can go idle.
	if err := m.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown sse server", slog.String("error", err.Error()))
	}

	// Gracefully shutdown the server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
		if err := srv.Close(); err != nil {
			logger.Error("Forcing server close", slog.String("error", err.Error()))
		}
	}
	return nil
}

// loadConfig decodes the config file. A missing default file yields an empty config so the service can
// run from environment variables alone.
func loadConfig(path string, explicit bool) (config, error) {
	cfg := config{}

	cfgFile, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func openStore(cfg storeConfig, cfgPath string) (store, error) {
	switch cfg.Driver {
	case "bolt":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cfgPath, "store.db")
		}
		db, err := services.NewBoltDB(path)
		if err != nil {
			return nil, fmt.Errorf("error opening bolt store: %w", err)
		}
		return db, nil
	case "sqlite":
		dsn := cfg.Path
		if dsn == "" {
			dsn = filepath.Join(cfgPath, "store.sqlite")
		}
		db, err := services.NewSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("error opening sqlite store: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
