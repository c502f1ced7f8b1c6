package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/opencode-core/engine/internal/config"
	"github.com/opencode-core/engine/internal/logging"
	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/internal/server"
	"github.com/opencode-core/engine/internal/session"
	"github.com/opencode-core/engine/internal/store"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/spf13/cobra"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start headless OpenCode server",
	Long: `Start OpenCode as a headless server that exposes an HTTP API.

This is useful for integrating OpenCode with other tools or running
it in a server environment.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine working directory
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().
		Str("version", Version).
		Msg("Starting OpenCode server")
	logging.Info().
		Str("directory", workDir).
		Msg("Working directory")

	// Initialize paths
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	// Load configuration
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	// Override model if specified via global flag
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	// Initialize durable storage
	dbPath := filepath.Join(paths.Data, "engine.db")
	migrator, err := store.NewMigrator(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		migrator.Close()
		return fmt.Errorf("failed to migrate storage: %w", err)
	}
	migrator.Close()

	ctx := context.Background()
	db, err := store.Open(ctx, store.DefaultOptions(dbPath))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()
	r := repo.New(db)

	// Initialize providers
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to initialize some providers")
	}

	// Initialize tool registry and permission gate
	toolReg := tool.DefaultRegistry(workDir, r)
	truncator := tool.NewTruncator(paths.Data)
	permChecker := permission.NewChecker()
	permGate := permission.NewGate(r, permChecker)

	var defaultProviderID, defaultModelID string
	if appConfig.Model != "" {
		if providerID, modelID, ok := strings.Cut(appConfig.Model, "/"); ok {
			defaultProviderID, defaultModelID = providerID, modelID
		} else {
			defaultModelID = appConfig.Model
		}
	}
	sessionSvc := session.NewServiceWithProcessor(r, providerReg, toolReg, permGate, permChecker, truncator, defaultProviderID, defaultModelID)

	// Configure server
	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.Directory = workDir

	// Create server
	srv := server.New(serverConfig, sessionSvc, permChecker)

	// Start server in goroutine
	go func() {
		logging.Info().
			Str("hostname", serveHostname).
			Int("port", servePort).
			Str("url", fmt.Sprintf("http://%s:%d", serveHostname, servePort)).
			Msg("Server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}

	logging.Info().Msg("Server stopped")
	return nil
}
