package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/liftsync/internal/device"
	"github.com/roach88/liftsync/internal/outbox"
	"github.com/roach88/liftsync/internal/syncer"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Watch    bool
	Interval time.Duration
}

// ReportView is the JSON shape of one sync cycle.
type ReportView struct {
	Trigger         string   `json:"trigger"`
	PushedWorkouts  []string `json:"pushedWorkouts"`
	PushedTemplates []string `json:"pushedTemplates"`
	ParkedWorkouts  int      `json:"parkedWorkouts"`
	ParkedTemplates int      `json:"parkedTemplates"`
	BlockedWorkout  string   `json:"blockedWorkout,omitempty"`
	BlockedTemplate string   `json:"blockedTemplate,omitempty"`
	Pages           int      `json:"pages"`
	Updated         int      `json:"updated"`
	Deleted         int      `json:"deleted"`
	PullError       string   `json:"pullError,omitempty"`
	WatermarkBefore int64    `json:"watermarkBefore"`
	WatermarkAfter  int64    `json:"watermarkAfter"`
	Aborted         bool     `json:"aborted,omitempty"`
}

func reportView(r syncer.Report) ReportView {
	v := ReportView{
		Trigger:         string(r.Trigger),
		PushedWorkouts:  nonNil(r.Workouts.Pushed),
		PushedTemplates: nonNil(r.Templates.Pushed),
		ParkedWorkouts:  len(r.Workouts.Parked),
		ParkedTemplates: len(r.Templates.Parked),
		BlockedWorkout:  r.Workouts.Blocked,
		BlockedTemplate: r.Templates.Blocked,
		Pages:           r.Pages,
		Updated:         r.Updated,
		Deleted:         r.Deleted,
		WatermarkBefore: r.WatermarkBefore,
		WatermarkAfter:  r.WatermarkAfter,
		Aborted:         r.Aborted,
	}
	if r.PullErr != nil {
		v.PullError = r.PullErr.Error()
	}
	return v
}

func renderReport(v ReportView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sync (%s): pushed %d workout(s), %d template(s); pulled %d update(s), %d delete(s) in %d page(s)\n",
		v.Trigger, len(v.PushedWorkouts), len(v.PushedTemplates), v.Updated, v.Deleted, v.Pages)
	fmt.Fprintf(&b, "watermark %d -> %d\n", v.WatermarkBefore, v.WatermarkAfter)
	if v.ParkedWorkouts+v.ParkedTemplates > 0 {
		fmt.Fprintf(&b, "rejected: %d workout(s), %d template(s)\n", v.ParkedWorkouts, v.ParkedTemplates)
	}
	if v.BlockedWorkout != "" {
		fmt.Fprintf(&b, "workout queue blocked at %s\n", v.BlockedWorkout)
	}
	if v.BlockedTemplate != "" {
		fmt.Fprintf(&b, "template queue blocked at %s\n", v.BlockedTemplate)
	}
	if v.PullError != "" {
		fmt.Fprintf(&b, "pull failed: %s\n", v.PullError)
	}
	if v.Aborted {
		b.WriteString("aborted: not authorized\n")
	}
	return b.String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain pending changes and pull from the server",
		Long: `Push every queued workout and template, then pull changes since the last
sync. With --watch, keep syncing every --interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts.RootOptions, func(ctx context.Context, env *deviceEnv) error {
				if env.cfg.Token == "" {
					return env.fail("sync failed", fmt.Errorf("device.token is required: %w", device.ErrNoIdentity))
				}
				if opts.Watch {
					return watchSync(ctx, opts, env)
				}
				rep, err := env.rt.Sync(ctx, syncer.TriggerManual)
				v := reportView(rep)
				if err != nil {
					return env.fail("sync failed", err)
				}
				if err := env.out.Result(renderReport(v), v); err != nil {
					return err
				}
				if rep.PullErr != nil || rep.Workouts.Err != nil || rep.Templates.Err != nil {
					return NewExitError(ExitFailure, "sync incomplete")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "keep syncing until interrupted")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 30*time.Second, "time between cycles with --watch")

	return cmd
}

// watchSync feeds a trigger loop from a ticker until ctx ends or a signal
// arrives.
func watchSync(parent context.Context, opts *SyncOptions, env *deviceEnv) error {
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.rt.OnSynced(func(r syncer.Report) {
		v := reportView(r)
		_ = env.out.Result(renderReport(v), v)
	})
	loop := syncer.NewLoop(env.rt.Coordinator(), env.rt.Identity(), env.rt.Module())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	loop.Trigger(syncer.TriggerAppStart)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			loop.Trigger(syncer.TriggerManual)
		case <-ctx.Done():
			loop.Close()
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return env.fail("sync loop failed", err)
			}
			return nil
		}
	}
}

// QueueView is the JSON shape of the pending queues.
type QueueView struct {
	Workouts          []outbox.Mutation  `json:"workouts"`
	Templates         []outbox.Mutation  `json:"templates"`
	RejectedWorkouts  []outbox.Rejection `json:"rejectedWorkouts"`
	RejectedTemplates []outbox.Rejection `json:"rejectedTemplates"`
	Watermark         int64              `json:"watermark"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List changes waiting for the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, rootOpts, func(ctx context.Context, env *deviceEnv) error {
				st, err := env.rt.Queue(ctx)
				if err != nil {
					return env.fail("failed to read queue", err)
				}
				v := QueueView{
					Workouts:          orEmpty(st.Workouts),
					Templates:         orEmpty(st.Templates),
					RejectedWorkouts:  orEmpty(st.RejectedWorkouts),
					RejectedTemplates: orEmpty(st.RejectedTemplates),
					Watermark:         st.Watermark,
				}
				return env.out.Result(renderQueue(v), v)
			})
		},
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func renderQueue(v QueueView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pending: %d workout(s), %d template(s); watermark %d\n", len(v.Workouts), len(v.Templates), v.Watermark)
	for _, m := range v.Workouts {
		fmt.Fprintf(&b, "  workout  %s %s\n", m.Kind, m.TargetID)
	}
	for _, m := range v.Templates {
		line := fmt.Sprintf("  template %s %s", m.Kind, m.TargetID)
		if m.After != "" {
			line += " after " + m.After
		}
		b.WriteString(line + "\n")
	}
	for _, r := range v.RejectedWorkouts {
		fmt.Fprintf(&b, "  rejected workout  %s: %s\n", r.Mutation.TargetID, r.Reason)
	}
	for _, r := range v.RejectedTemplates {
		fmt.Fprintf(&b, "  rejected template %s: %s\n", r.Mutation.TargetID, r.Reason)
	}
	return b.String()
}

// HistoryView is one row of the history command.
type HistoryView struct {
	Session         workout.Session `json:"session"`
	ServerUpdatedAt int64           `json:"serverUpdatedAt"`
	Pending         bool            `json:"pending"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished sessions known to this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, rootOpts, func(ctx context.Context, env *deviceEnv) error {
				entries, err := env.rt.History(ctx)
				if err != nil {
					return env.fail("failed to read history", err)
				}
				rows := make([]HistoryView, 0, len(entries))
				var b strings.Builder
				for _, e := range entries {
					rows = append(rows, HistoryView{Session: e.Session, ServerUpdatedAt: e.ServerUpdatedAt, Pending: e.Pending()})
					state := "synced"
					if e.Pending() {
						state = "pending"
					}
					fmt.Fprintf(&b, "%s  %s  %d sets  volume %s  %s\n",
						e.Session.StartTime.UTC().Format(time.RFC3339), e.Session.ID,
						e.Session.SetCount(), formatNumber(e.Session.TotalVolume), state)
				}
				if len(rows) == 0 {
					b.WriteString("no sessions\n")
				}
				return env.out.Result(b.String(), rows)
			})
		},
	}
	cmd.AddCommand(newHistoryDeleteCommand(rootOpts))
	return cmd
}

// DeleteView is the JSON shape of the history delete command.
type DeleteView struct {
	WorkoutID string     `json:"workoutId"`
	DeletedAt int64      `json:"deletedAt"`
	Sync      ReportView `json:"sync"`
}

func newHistoryDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a finished session on the server",
		Long: `Delete a finished session on the server, then sync so the tombstone
reaches this device's history. Other devices drop it on their next pull.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, rootOpts, func(ctx context.Context, env *deviceEnv) error {
				if env.cfg.Token == "" {
					return env.fail("delete failed", fmt.Errorf("device.token is required: %w", device.ErrNoIdentity))
				}
				if !env.rt.Online() {
					return env.fail("delete failed", wire.Errorf(wire.CodeTransient, "offline"))
				}
				ack, err := env.client.DeleteWorkout(ctx, env.cfg.Token, env.rt.Module(), args[0])
				if err != nil {
					return env.fail("delete failed", err)
				}
				rep, err := env.rt.Sync(ctx, syncer.TriggerManual)
				v := DeleteView{WorkoutID: ack.WorkoutID, DeletedAt: ack.ServerUpdatedAt, Sync: reportView(rep)}
				if err != nil {
					return env.fail("delete synced incompletely", err)
				}
				text := fmt.Sprintf("deleted %s at %d\n", v.WorkoutID, v.DeletedAt) + renderReport(v.Sync)
				return env.out.Result(text, v)
			})
		},
	}
}
