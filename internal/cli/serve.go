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

	"github.com/roach88/liftsync/internal/config"
	"github.com/roach88/liftsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the liftsync HTTP server over a SQLite database.

The database is created on first start. Bearer tokens are mapped to users by
server.tokens in the config file.

Example:
  liftsync serve --config liftsync.yaml
  liftsync serve --config liftsync.yaml --addr :9090 --db /var/lib/liftsync.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides server.db)")

	return cmd
}

// serverConfig applies flag overrides and validates the server section.
func (o *ServeOptions) serverConfig(out *OutputFormatter) (config.ServerConfig, error) {
	cfg, err := o.loadConfig(out)
	if err != nil {
		return config.ServerConfig{}, err
	}
	sc := cfg.Server
	if o.Addr != "" {
		sc.Addr = o.Addr
	}
	if o.Database != "" {
		sc.DB = o.Database
	}
	if err := sc.Validate(); err != nil {
		return config.ServerConfig{}, out.Fail(ExitCommandError, ErrCodeConfig, "invalid server configuration", err)
	}
	return sc, nil
}

// newServer opens the store and builds the HTTP server around it. The
// returned store must be closed by the caller.
func newServer(sc config.ServerConfig, log *slog.Logger) (*http.Server, *server.Store, error) {
	store, err := server.Open(sc.DB, server.WithStoreLogger(log))
	if err != nil {
		return nil, nil, err
	}
	validator, err := server.NewValidator()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	handler := server.NewHandler(store, validator, server.StaticTokens(sc.Tokens),
		server.WithLogger(log),
		server.WithPullLimit(sc.PullLimit),
	)
	return &http.Server{
		Addr:              sc.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}, store, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	sc, err := opts.serverConfig(out)
	if err != nil {
		return err
	}
	log := opts.logger(cmd.ErrOrStderr())

	log.Info("opening database", "path", sc.DB)
	srv, store, err := newServer(sc, log)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStorage, "failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", sc.Addr)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to listen", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	log.Info("server listening", "addr", ln.Addr().String(), "users", len(sc.Tokens))
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return out.Fail(ExitFailure, ErrCodeGeneric, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "shutdown failed", err)
	}
	log.Info("server stopped gracefully")
	return nil
}
