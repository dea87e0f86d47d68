package cli

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/worker"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string // overrides server.listen_addr; "off" disables the listener
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background workers",
		Long: `Run the background workers until interrupted.

Workers drain the upload retry queue, time out interpretations whose
heartbeat lapsed, and prune quota counters older than the retention window.
Counters are served on /debug/vars at the listen address.

Example:
  truthlayer serve --db ./truth.db
  truthlayer serve --listen 127.0.0.1:9000 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", `debug listen address (default server.listen_addr, "off" to disable)`)

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	app, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			app.Logger.Error("error closing database", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := app.Config.Server.ListenAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}
	if addr != "" && addr != "off" {
		srv := newDebugServer(addr)
		go func() {
			app.Logger.Info("debug listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger.Error("debug listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runner := NewWorkers(app)
	fmt.Fprintf(cmd.OutOrStdout(), "Workers started (%d tasks). Press Ctrl-C to stop.\n", len(runner.Tasks()))

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	app.Logger.Info("stopped gracefully")
	return nil
}

// NewWorkers builds the periodic tasks from the workers configuration.
func NewWorkers(app *App) *worker.Runner {
	w := app.Config.Workers
	upload := worker.NewUploadProcessor(app.Store, app.Backend, app.Spool, app.Clock, app.Logger,
		worker.WithMaxAttempts(w.UploadMaxAttempts),
		worker.WithBackoff(w.UploadBackoffBase, w.UploadBackoffMax))
	cleanup := worker.NewStaleCleanup(app.Store, app.Config.Interpretation.Timeout, app.Clock, app.Logger)
	rollover := worker.NewQuotaRollover(app.Store, w.QuotaRetentionMonths, app.Clock, app.Logger)

	return worker.NewRunner(app.Logger,
		worker.Task{
			Name:     "upload",
			Interval: w.UploadInterval,
			Run: func(ctx context.Context) error {
				_, err := upload.ProcessOnce(ctx)
				return err
			},
		},
		worker.Task{
			Name:     "interpretation-cleanup",
			Interval: w.CleanupInterval,
			Run: func(ctx context.Context) error {
				_, err := cleanup.ReapOnce(ctx)
				return err
			},
		},
		worker.Task{
			Name:     "quota-rollover",
			Interval: w.QuotaInterval,
			Run: func(ctx context.Context) error {
				_, err := rollover.RollOnce(ctx)
				return err
			},
		},
	)
}

func newDebugServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
