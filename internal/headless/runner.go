package headless

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
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
)

// Runner executes prompts in headless mode.
type Runner struct {
	config    *Config
	appConfig *types.Config
	printer   *Printer
	db        *sql.DB
	repo      *repo.Repo

	sessionSvc *session.Service

	defaultProviderID string
	defaultModelID    string
}

// NewRunner creates a new headless runner.
func NewRunner(cfg *Config) *Runner {
	return &Runner{
		config: cfg,
	}
}

// Run executes the headless session and returns the result.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)
	r.printer.Subscribe()
	defer r.printer.Unsubscribe()

	if err := r.initialize(ctx); err != nil {
		r.printer.SetResult("error", ExitError, "", err)
		return r.printer.GetResult(), err
	}
	if r.db != nil {
		defer r.db.Close()
	}

	prompt, err := r.getPrompt()
	if err != nil {
		r.printer.SetResult("error", ExitInvalidInput, "", err)
		return r.printer.GetResult(), err
	}
	if prompt == "" {
		err := errors.New("prompt is required")
		r.printer.SetResult("error", ExitInvalidInput, "", err)
		return r.printer.GetResult(), err
	}

	sess, err := r.getOrCreateSession(ctx)
	if err != nil {
		r.printer.SetResult("error", ExitSessionNotFound, "", err)
		return r.printer.GetResult(), err
	}
	r.printer.SetSessionID(sess.ID)
	r.printer.SetModel(fmt.Sprintf("%s/%s", r.defaultProviderID, r.defaultModelID))

	if r.config.AutoApprove {
		sess.Permission = append(sess.Permission, types.PermissionRule{Action: types.PermissionAllow})
	}
	if r.config.SystemPrompt != "" {
		if data, err := os.ReadFile(r.config.SystemPrompt); err == nil {
			sess.CustomPrompt = &types.CustomPrompt{Type: "file", Value: string(data)}
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var model *types.ModelRef
	if r.defaultProviderID != "" {
		model = &types.ModelRef{ProviderID: r.defaultProviderID, ModelID: r.defaultModelID}
	}

	var finalMessage string
	onUpdate := func(msg *types.Message, parts []types.Part) {
		if msg.Tokens != nil {
			r.printer.SetTokens(msg.Tokens)
		}
		for _, part := range parts {
			if textPart, ok := part.(*types.TextPart); ok {
				finalMessage = textPart.Text
			}
		}
	}

	_, _, err = r.sessionSvc.ProcessMessage(runCtx, sess, prompt, model, onUpdate)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.printer.SetResult("timeout", ExitTimeout, finalMessage, err)
			return r.printer.GetResult(), err
		}
		if permission.IsRejectedError(err) {
			r.printer.SetResult("permission_denied", ExitPermissionDenied, finalMessage, err)
			return r.printer.GetResult(), err
		}
		r.printer.SetResult("error", ExitError, finalMessage, err)
		return r.printer.GetResult(), err
	}

	r.printer.SetResult("success", ExitSuccess, finalMessage, nil)
	r.printer.PrintFinalResult()

	return r.printer.GetResult(), nil
}

// initialize sets up all required components.
func (r *Runner) initialize(ctx context.Context) error {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("failed to ensure paths: %w", err)
	}

	appConfig, err := config.Load(r.config.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	r.appConfig = appConfig

	if r.config.Model != "" {
		r.appConfig.Model = r.config.Model
	}
	r.parseModel()

	dataDir := paths.Data
	if r.config.NoSave {
		tempDir, err := os.MkdirTemp("", "opencode-headless-*")
		if err != nil {
			return fmt.Errorf("failed to create temp storage: %w", err)
		}
		dataDir = tempDir
	}
	dbPath := filepath.Join(dataDir, "engine.db")

	migrator, err := store.NewMigrator(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		migrator.Close()
		return fmt.Errorf("failed to migrate storage: %w", err)
	}
	migrator.Close()

	db, err := store.Open(ctx, store.DefaultOptions(dbPath))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	r.db = db
	r.repo = repo.New(db)

	providerReg, err := provider.InitializeProviders(ctx, r.appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	toolReg := tool.DefaultRegistry(r.config.WorkDir, r.repo)
	truncator := tool.NewTruncator(paths.Data)
	permChecker := permission.NewChecker()
	permGate := permission.NewGate(r.repo, permChecker)

	r.sessionSvc = session.NewServiceWithProcessor(r.repo, providerReg, toolReg, permGate, permChecker, truncator, r.defaultProviderID, r.defaultModelID)

	return nil
}

// parseModel parses the model string into provider and model IDs.
func (r *Runner) parseModel() {
	model := r.appConfig.Model
	if model == "" {
		r.defaultProviderID = "anthropic"
		r.defaultModelID = "claude-sonnet-4-20250514"
		return
	}

	providerID, modelID, ok := strings.Cut(model, "/")
	if ok {
		r.defaultProviderID = providerID
		r.defaultModelID = modelID
	} else {
		r.defaultProviderID = "anthropic"
		r.defaultModelID = model
	}
}

// getPrompt retrieves the prompt from various sources.
func (r *Runner) getPrompt() (string, error) {
	var prompt string

	if r.config.ReadStdin {
		scanner := bufio.NewScanner(os.Stdin)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		prompt = strings.Join(lines, "\n")
	}

	if r.config.Prompt != "" {
		if prompt != "" {
			prompt = r.config.Prompt + "\n\n" + prompt
		} else {
			prompt = r.config.Prompt
		}
	}

	if len(r.config.Files) > 0 {
		var fileContent strings.Builder
		for _, file := range r.config.Files {
			content, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("failed to read file %s: %w", file, err)
			}
			fileContent.WriteString(fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content)))
		}
		prompt = prompt + fileContent.String()
	}

	return strings.TrimSpace(prompt), nil
}

// getOrCreateSession gets an existing session or creates a new one.
func (r *Runner) getOrCreateSession(ctx context.Context) (*types.Session, error) {
	if r.config.SessionID != "" {
		return r.sessionSvc.Get(ctx, r.config.SessionID)
	}

	if r.config.ContinueLast {
		sessions, err := r.sessionSvc.List(ctx, r.config.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) > 0 {
			return sessions[len(sessions)-1], nil
		}
	}

	title := r.config.Title
	if title == "" {
		title = "Headless Session"
	}
	return r.sessionSvc.Create(ctx, r.config.WorkDir, title)
}
