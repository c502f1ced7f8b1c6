package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencode-core/engine/internal/config"
	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/internal/session"
	"github.com/opencode-core/engine/internal/store"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/opencode-core/engine/pkg/types"
	"github.com/spf13/cobra"
)

var (
	runModel        string
	runAgent        string
	runContinue     bool
	runSession      string
	runFormat       string
	runFiles        []string
	runTitle        string
	runPrompt       string
	runPromptFile   string
	runPromptInline string
	runDir          string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Start an interactive OpenCode session",
	Long: `Start an interactive OpenCode session with the specified message.

Examples:
  opencode run "Fix the bug in main.go"
  opencode run --model anthropic/claude-sonnet-4 "Explain this code"
  opencode run --continue  # Continue last session
  opencode run --file main.go "Review this file"`,
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the last session")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Custom prompt template")
	runCmd.Flags().StringVar(&runPromptFile, "prompt-file", "", "Custom prompt from file")
	runCmd.Flags().StringVar(&runPromptInline, "prompt-inline", "", "Custom prompt as inline text")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	// Determine working directory
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

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

	// Override model if specified
	if runModel != "" {
		appConfig.Model = runModel
	}

	// Build message from args
	message := strings.Join(args, " ")
	if message == "" && !runContinue && runSession == "" {
		return fmt.Errorf("message required. Usage: opencode run \"your message\"")
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
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	// Initialize tool registry and permission checker
	toolReg := tool.DefaultRegistry(workDir, r)
	truncator := tool.NewTruncator(paths.Data)
	permChecker := permission.NewChecker()
	permGate := permission.NewGate(r, permChecker)

	// Handle custom prompt
	var systemPrompt string
	if runPromptFile != "" {
		data, err := os.ReadFile(runPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		systemPrompt = string(data)
	} else if runPromptInline != "" {
		systemPrompt = runPromptInline
	} else if runPrompt != "" {
		// Try to read as file first, then use as inline
		if data, err := os.ReadFile(runPrompt); err == nil {
			systemPrompt = string(data)
		} else {
			systemPrompt = runPrompt
		}
	}

	// Handle file attachments - read and include in message
	var fileContent strings.Builder
	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
		fileContent.WriteString(fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content)))
	}
	if fileContent.Len() > 0 {
		message = message + fileContent.String()
	}

	// Parse default provider and model from config
	var defaultProviderID, defaultModelID string
	if appConfig.Model != "" {
		if providerID, modelID, ok := strings.Cut(appConfig.Model, "/"); ok {
			defaultProviderID, defaultModelID = providerID, modelID
		} else {
			defaultModelID = appConfig.Model
		}
	}

	sessionSvc := session.NewServiceWithProcessor(r, providerReg, toolReg, permGate, permChecker, truncator, defaultProviderID, defaultModelID)

	// Handle continue/session
	var sess *types.Session
	if runSession != "" {
		sess, err = sessionSvc.Get(ctx, runSession)
		if err != nil {
			return fmt.Errorf("session not found: %s", runSession)
		}
	} else if runContinue {
		sessions, err := sessionSvc.List(ctx, workDir)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) > 0 {
			sess = sessions[len(sessions)-1]
		}
	}
	if sess == nil {
		title := runTitle
		if title == "" {
			title = "CLI Session"
		}
		sess, err = sessionSvc.Create(ctx, workDir, title)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}
	if systemPrompt != "" {
		sess.CustomPrompt = &types.CustomPrompt{Type: "inline", Value: systemPrompt}
	}

	var model *types.ModelRef
	if defaultProviderID != "" {
		model = &types.ModelRef{ProviderID: defaultProviderID, ModelID: defaultModelID}
	}

	// Process callback
	callback := func(msg *types.Message, parts []types.Part) {
		for _, part := range parts {
			switch p := part.(type) {
			case *types.TextPart:
				fmt.Print(p.Text)
			}
		}
	}

	// Run the agentic loop
	fmt.Printf("Starting session %s...\n", sess.ID)
	fmt.Printf("Model: %s\n", appConfig.Model)
	fmt.Printf("Message: %s\n\n", truncate(message, 100))

	if _, _, err := sessionSvc.ProcessMessage(ctx, sess, message, model, callback); err != nil {
		return fmt.Errorf("processing error: %w", err)
	}

	fmt.Println()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
