// Package main provides the entry point for the session engine's HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/opencode-core/engine/internal/config"
	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/internal/server"
	"github.com/opencode-core/engine/internal/session"
	"github.com/opencode-core/engine/internal/store"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/opencode-core/engine/pkg/types"
)

var (
	port      = flag.Int("port", 8080, "Server port")
	directory = flag.String("directory", "", "Working directory")
	version   = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("opencode-engine %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
	}

	log.Printf("starting opencode-engine v%s", Version)
	log.Printf("working directory: %s", workDir)

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		log.Fatalf("failed to create data directories: %v", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	dbPath := filepath.Join(paths.Data, "engine.db")
	migrator, err := store.NewMigrator(dbPath)
	if err != nil {
		log.Fatalf("failed to open migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("failed to migrate storage: %v", err)
	}
	migrator.Close()

	ctx := context.Background()
	db, err := store.Open(ctx, store.DefaultOptions(dbPath))
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer db.Close()
	r := repo.New(db)

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		log.Printf("warning: failed to initialize some providers: %v", err)
	}

	toolReg := tool.DefaultRegistry(workDir, r)
	truncator := tool.NewTruncator(paths.Data)
	permChecker := permission.NewChecker()
	permGate := permission.NewGate(r, permChecker)

	defaultProviderID, defaultModelID := defaultModel(appConfig)
	sessionSvc := session.NewServiceWithProcessor(r, providerReg, toolReg, permGate, permChecker, truncator, defaultProviderID, defaultModelID)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = *port
	serverConfig.Directory = workDir

	srv := server.New(serverConfig, sessionSvc, permChecker)

	go func() {
		log.Printf("listening on http://localhost:%d", *port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}

// defaultModel splits the configured "provider/model" string into the pair
// NewServiceWithProcessor wants for turns that don't specify a model.
func defaultModel(cfg *types.Config) (string, string) {
	if cfg == nil || cfg.Model == "" {
		return "", ""
	}
	providerID, modelID, ok := strings.Cut(cfg.Model, "/")
	if !ok {
		return "", cfg.Model
	}
	return providerID, modelID
}
