package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wellsync/internal/api"
	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/engine"
	"github.com/roach88/wellsync/internal/model"
	"github.com/roach88/wellsync/internal/store"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath      string
	CollaboratorURL string
	AlternateURL    string
	Addr            string
	Database        string
	Tier            string
	Primary         bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestration engine and its HTTP API",
		Long: `Start the orchestration engine.

The engine loads its configuration, opens the collaborator store (creating
the schema if needed), serves the HTTP API and runs the scheduler until
interrupted. Without --collaborator-url batches are acked locally.

Example:
  wellsync run --config ./wellsync.cue
  wellsync run --db /tmp/wellsync.db --addr 127.0.0.1:9000 --tier premium
  wellsync run --collaborator-url https://sync.example.com --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a CUE config file")
	cmd.Flags().StringVar(&opts.CollaboratorURL, "collaborator-url", "", "base URL batches are posted to")
	cmd.Flags().StringVar(&opts.AlternateURL, "alternate-url", "", "base URL crisis writes fall back to")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "store DSN (overrides config)")
	cmd.Flags().StringVar(&opts.Tier, "tier", "", "subscription tier (overrides config)")
	cmd.Flags().BoolVar(&opts.Primary, "primary", false, "this is the user's primary device")

	return cmd
}

// effectiveConfig loads the config file and environment, then applies the
// command line overrides.
func effectiveConfig(opts *RunOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Store.DSN = opts.Database
	}
	if opts.Tier != "" {
		tier, err := model.ParseTier(opts.Tier)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Tier = tier
	}
	return cfg, nil
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := effectiveConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	slog.Info("opening store", "driver", cfg.Store.Driver)
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	var primary dispatch.Dispatcher = dispatch.Loopback(time.Now)
	if opts.CollaboratorURL != "" {
		primary = dispatch.NewHTTPDispatcher(opts.CollaboratorURL, nil)
	} else {
		slog.Warn("no collaborator configured, acking batches locally")
	}
	engOpts := []engine.Option{
		engine.WithRecorder(st),
		engine.WithInbox(st),
		engine.WithCounterStore(st),
		engine.WithAlertSink(st),
		engine.WithPrimaryDevice(opts.Primary),
	}
	if opts.AlternateURL != "" {
		engOpts = append(engOpts, engine.WithAlternateDispatcher(dispatch.NewHTTPDispatcher(opts.AlternateURL, nil)))
	}

	eng, err := engine.New(cfg, primary, engOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           api.NewRouter(api.NewHandler(eng, st)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("engine starting", "addr", ln.Addr().String(), "tier", cfg.Tier, "device_id", cfg.DeviceID)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	var failure error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-serveErr:
		failure = WrapExitError(ExitFailure, "http server error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	if failure != nil {
		return failure
	}

	slog.Info("engine stopped gracefully")
	return nil
}
