package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dlpd/internal/api"
	"github.com/roach88/dlpd/internal/config"
	"github.com/roach88/dlpd/internal/engine"
	"github.com/roach88/dlpd/internal/fanotify"
	"github.com/roach88/dlpd/internal/policy"
	"github.com/roach88/dlpd/internal/store"
)

// Watcher is the kernel side of the daemon.
type Watcher interface {
	engine.Watcher
	AddWatch(root string) error
	Run(ctx context.Context) error
	Close() error
}

// WatcherFactory builds the kernel watcher for a delegate.
type WatcherFactory func(delegate fanotify.Delegate, log *slog.Logger) (Watcher, error)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath     string
	Root           string
	Database       string
	Socket         string
	PolicyEndpoint string
	CleanupOnStart bool

	// NewWatcher overrides the fanotify watcher (for testing).
	NewWatcher WatcherFactory
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the mediation daemon",
		Long: `Start dlpd: open the provenance store, mark the DLP root for
permission events and serve the control API on a unix socket.

Flags override values from the config file.

Example:
  dlpd run --config /etc/dlpd/dlpd.yaml
  dlpd run --root /home/user/MyFiles --db /tmp/dlp.db --socket /tmp/dlpd.sock -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Root, "root", "", "DLP root directory")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite provenance database")
	cmd.Flags().StringVar(&opts.Socket, "socket", "", "control API unix socket")
	cmd.Flags().StringVar(&opts.PolicyEndpoint, "policy-endpoint", "", "policy service base URL")
	cmd.Flags().BoolVar(&opts.CleanupOnStart, "cleanup-on-start", false, "drop entries for files no longer on disk at startup")

	return cmd
}

// resolveConfig loads the config file, if any, and applies flag overrides.
func resolveConfig(opts *RunOptions, cmd *cobra.Command) (config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = opts.Root
	}
	if flags.Changed("db") {
		cfg.Database = opts.Database
	}
	if flags.Changed("socket") {
		cfg.Socket = opts.Socket
	}
	if flags.Changed("policy-endpoint") {
		cfg.PolicyEndpoint = opts.PolicyEndpoint
	}
	if flags.Changed("cleanup-on-start") {
		cfg.CleanupOnStart = opts.CleanupOnStart
	}
	return cfg, cfg.Validate()
}

func defaultWatcher(delegate fanotify.Delegate, log *slog.Logger) (Watcher, error) {
	w, err := fanotify.NewWatcher(delegate, fanotify.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return w, nil
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := resolveConfig(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := newLogger(cfg.SlogLevel(), opts.Verbose)
	slog.SetDefault(logger)
	logger.Info("starting dlpd", "config", cfg.String())

	var policyOpts []policy.ClientOption
	if cfg.PolicySocket != "" {
		policyOpts = append(policyOpts, policy.WithUnixSocket(cfg.PolicySocket))
	}
	remote := policy.NewHTTPClient(cfg.PolicyEndpoint, policyOpts...)

	db := store.NewDatabase(cfg.Database)
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	eng := engine.New(db, nil, remote,
		engine.WithRoot(cfg.Root),
		engine.WithCleanupOnStart(cfg.CleanupOnStart),
		engine.WithOpenCheckTimeout(cfg.OpenCheckTimeout),
		engine.WithTransferCheckTimeout(cfg.TransferCheckTimeout),
		engine.WithLogger(logger),
	)

	newWatcher := opts.NewWatcher
	if newWatcher == nil {
		newWatcher = defaultWatcher
	}
	watcher, err := newWatcher(eng, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start fanotify watcher", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("error closing watcher", "error", closeErr)
		}
	}()
	eng.SetWatcher(watcher)
	if err := watcher.AddWatch(cfg.Root); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch DLP root", err)
	}

	ln, err := api.ListenUnix(cfg.Socket)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen on control socket", err)
	}
	server := api.New(eng, api.WithLogger(logger))

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "dlpd running. Root: %s, socket: %s\n", cfg.Root, cfg.Socket)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	logger.Info("dlpd stopped")
	return nil
}
