package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/restsync/internal/config"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/synchandler"
	"github.com/hyperengineering/restsync/pkg/restsync"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "restsync",
	Short:        "restsync - offline-first REST cache and sync proxy",
	SilenceUsage: true,
	RunE:         run,
}

var (
	dbOverride string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"SQLite database path (overrides config and RESTSYNC_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	closeLog := setupLogger(cfg.Log, cmd.ErrOrStderr())
	defer closeLog()
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	return serve(ctx, cfg, nil)
}

// serve runs the proxy until ctx is cancelled. ready, when non-nil,
// receives the listening address once the server accepts connections.
func serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 4. Initialize store and sync layer
	client, err := restsync.New(clientConfig(cfg))
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	// 5. Initialize HTTP router
	router := client.HTTPHandler(cfg.Auth.APIKey, Version)
	slog.Info("router initialized")
	if cfg.Auth.APIKey == "" {
		slog.Warn("no API key configured, admin API and proxy are unauthenticated")
	}

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		client.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	// 7. Start prune and queue workers
	if err := client.Start(ctx); err != nil {
		ln.Close()
		client.Close()
		return err
	}

	// 8. Start HTTP server in goroutine
	slog.Info("server starting", "address", ln.Addr().String())
	go func() {
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Stop workers, wait for background syncs, close store
	if err := client.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// clientConfig maps the file and environment configuration onto the
// client configuration.
func clientConfig(cfg *config.Config) restsync.Config {
	patterns := cfg.Cache.ListPatterns
	if len(patterns) == 0 {
		patterns = synchandler.DefaultListPatterns
	}
	return restsync.Config{
		BaseURL:       cfg.Remote.BaseURL,
		Token:         cfg.Remote.Token,
		UserAgent:     "restsync/" + Version,
		Timeout:       time.Duration(cfg.Remote.Timeout),
		RateLimit:     cfg.Remote.RateLimit,
		RateBurst:     cfg.Remote.RateBurst,
		Driver:        cfg.Store.Driver,
		StorePath:     cfg.Store.Path,
		StoreName:     cfg.Store.Name,
		StoreVersion:  cfg.Store.Version,
		Compress:      cfg.Store.Compress,
		Lifetime:      cfg.Cache.Lifetime,
		PageCursor:    cfg.Cache.PageCursor,
		ListPatterns:  patterns,
		DeliverFresh:  cfg.Cache.DeliverFresh,
		Coalesce:      cfg.Cache.Coalesce,
		StaleAfter:    time.Duration(cfg.Cache.StaleAfter),
		PruneInterval: time.Duration(cfg.Worker.PruneInterval),
		QueueInterval: time.Duration(cfg.Worker.QueueInterval),
	}
}

// openClient loads the configuration and opens a client for one-shot
// commands. Workers are not started.
func openClient() (*restsync.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	client, err := restsync.New(clientConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// loadConfig loads the configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbOverride != "" {
		cfg.Store.Driver = store.DriverSQLite
		cfg.Store.Path = dbOverride
	}
	return cfg, nil
}
