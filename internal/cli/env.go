package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/liftsync/internal/authoring"
	"github.com/roach88/liftsync/internal/config"
	"github.com/roach88/liftsync/internal/device"
	"github.com/roach88/liftsync/internal/finish"
	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/remote"
	"github.com/roach88/liftsync/internal/syncer"
	"github.com/roach88/liftsync/internal/wire"
)

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// logger writes text records to w, at Debug level when verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) loadConfig(out *OutputFormatter) (config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	out.VerboseLog("config: %s", describePath(o.Config))
	return cfg, nil
}

func describePath(p string) string {
	if p == "" {
		return "(defaults)"
	}
	return p
}

// deviceEnv is one open device: its state database and the runtime over it.
type deviceEnv struct {
	cfg    config.DeviceConfig
	out    *OutputFormatter
	log    *slog.Logger
	state  *kv.SQLiteStore
	client *remote.Client
	rt     *device.Runtime
}

func openDevice(cmd *cobra.Command, opts *RootOptions) (*deviceEnv, error) {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig(out)
	if err != nil {
		return nil, err
	}
	dc := cfg.Device
	if opts.State != "" {
		dc.StateDB = opts.State
	}
	if err := dc.Validate(); err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "invalid device configuration", err)
	}

	log := opts.logger(cmd.ErrOrStderr())
	client, err := remote.New(dc.BaseURL, remote.WithLogger(log))
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "invalid server URL", err)
	}
	state, err := kv.OpenSQLite(dc.StateDB)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeStorage, "failed to open device state", err)
	}
	out.VerboseLog("device state: %s", dc.StateDB)

	rtOpts := []device.Option{
		device.WithIdentity(syncer.Identity{UserID: dc.UserID, Token: dc.Token}),
		device.WithModule(dc.Module),
		device.WithDebounce(dc.Debounce),
		device.WithLogger(log),
	}
	if opts.Clock != nil {
		rtOpts = append(rtOpts, device.WithClock(opts.Clock))
	}
	if opts.IDs != nil {
		rtOpts = append(rtOpts, device.WithIDs(opts.IDs))
	}
	rt := device.New(state, client, rtOpts...)
	if opts.Offline {
		_, _ = rt.SetOnline(cmd.Context(), false)
	}
	return &deviceEnv{cfg: dc, out: out, log: log, state: state, client: client, rt: rt}, nil
}

func (e *deviceEnv) close(ctx context.Context) error {
	flushErr := e.rt.Close(ctx)
	closeErr := e.state.Close()
	return errors.Join(flushErr, closeErr)
}

// runDevice opens the device, runs fn and flushes pending draft writes.
func runDevice(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, env *deviceEnv) error) error {
	env, err := openDevice(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, env)
	if err := env.close(ctx); err != nil && runErr == nil {
		return env.out.Fail(ExitFailure, ErrCodeStorage, "failed to save device state", err)
	}
	return runErr
}

// fail reports err under the error code matching its kind.
func (e *deviceEnv) fail(message string, err error) error {
	var werr *wire.Error
	switch {
	case errors.Is(err, device.ErrNoIdentity), errors.Is(err, config.ErrInvalid):
		return e.out.Fail(ExitCommandError, ErrCodeConfig, message, err)
	case errors.Is(err, device.ErrNoSession),
		errors.Is(err, device.ErrSessionActive),
		errors.Is(err, device.ErrUnknownTemplate),
		errors.Is(err, authoring.ErrNotActive),
		errors.Is(err, authoring.ErrNotFinishing),
		errors.Is(err, authoring.ErrTerminal),
		errors.Is(err, authoring.ErrOutOfRange):
		return e.out.Fail(ExitFailure, ErrCodeSession, message, err)
	case errors.Is(err, finish.ErrUnknownPolicy):
		return e.out.Fail(ExitCommandError, ErrCodeInput, message, err)
	case errors.As(err, &werr):
		return e.out.Fail(ExitFailure, ErrCodeSync, message, err)
	default:
		return e.out.Fail(ExitFailure, ErrCodeStorage, message, err)
	}
}
