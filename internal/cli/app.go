package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/blob"
	"github.com/roach88/truthlayer/internal/config"
	"github.com/roach88/truthlayer/internal/content"
	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/registry"
	"github.com/roach88/truthlayer/internal/store"
)

// App is the engine and everything it was built from, opened once per
// command.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Engine  *engine.Engine
	Backend blob.Backend
	Spool   *blob.Spool
	Clock   ir.Clock
	Logger  *slog.Logger
}

// openApp loads configuration, applies the global flag overrides and wires
// the engine. Failures are command errors (exit code 2).
func openApp(opts *RootOptions, cmd *cobra.Command) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open truth layer", err)
	}
	return app, nil
}

// NewApp opens the row store and builds the engine described by cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	clock := ir.SystemClock{}
	backend := blob.NewOSFS(cfg.Storage.BlobDir)
	spool := blob.NewOSSpool(cfg.Storage.SpoolDir)

	cs := content.New(st, backend, spool, clock, logger)
	reg := registry.New(st, clock, logger)
	in := ingest.New(st, clock, logger, ingest.WithGraphPolicy(ingest.GraphPolicy{
		Acyclic:  cfg.Relationships.AcyclicTypes,
		MaxDepth: cfg.Relationships.MaxTraversalDepth,
	}))

	var engineOpts []engine.Option
	if cfg.Interpretation.Enabled() {
		fence, err := newFence(cfg.Interpretation, st, cs, in, clock, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithFence(fence))
	}

	return &App{
		Config:  cfg,
		Store:   st,
		Engine:  engine.New(st, cs, reg, in, clock, logger, engineOpts...),
		Backend: backend,
		Spool:   spool,
		Clock:   clock,
		Logger:  logger,
	}, nil
}

func newFence(cfg config.InterpretationConfig, st *store.Store, cs *content.Store, in *ingest.Ingester, clock ir.Clock, logger *slog.Logger) (*interpret.Fence, error) {
	interp, err := newInterpreter(cfg, logger)
	if err != nil {
		return nil, err
	}
	mime, err := interpret.NewMimeMatcher(cfg.MimeTypes)
	if err != nil {
		return nil, err
	}
	logger.Debug("interpretation enabled", "config", cfg.String())
	return interpret.NewFence(st, cs, in, interp, clock, logger,
		interpret.WithHeartbeat(cfg.HeartbeatInterval),
		interpret.WithTimeout(cfg.Timeout),
		interpret.WithMonthlyQuota(cfg.MonthlyQuota),
		interpret.WithMimeMatcher(mime),
	), nil
}

func newInterpreter(cfg config.InterpretationConfig, logger *slog.Logger) (interpret.Interpreter, error) {
	opts := []interpret.ProviderOption{
		interpret.WithTemperature(cfg.Temperature),
		interpret.WithMaxTokens(int64(cfg.MaxTokens)),
		interpret.WithProviderLogger(logger),
	}
	if cfg.Model != "" {
		opts = append(opts, interpret.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, interpret.WithBaseURL(cfg.BaseURL))
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		return interpret.NewClaudeInterpreter(cfg.Key(), opts...)
	case config.ProviderOpenAI:
		return interpret.NewOpenAIInterpreter(cfg.Key(), opts...)
	}
	return nil, fmt.Errorf("unknown interpretation provider %q", cfg.Provider)
}

// Close closes the row store.
func (a *App) Close() error {
	return a.Store.Close()
}

// withApp opens the app, runs fn and closes it.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(app *App, f *OutputFormatter) error) error {
	f := newFormatter(opts, cmd)
	app, err := openApp(opts, cmd)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			app.Logger.Error("error closing database", "error", closeErr)
		}
	}()
	return fn(app, f)
}

// readInput returns the named file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
