package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/liftsync/internal/authoring"
	"github.com/roach88/liftsync/internal/device"
	"github.com/roach88/liftsync/internal/finish"
	"github.com/roach88/liftsync/internal/workout"
)

// SessionView is the JSON shape of the session in progress.
type SessionView struct {
	State         string          `json:"state"`
	Session       workout.Session `json:"session"`
	Volume        float64         `json:"volume"`
	RestRemaining int             `json:"restRemainingSec,omitempty"`
	RestOn        string          `json:"restOn,omitempty"`
}

func viewOf(m *authoring.Machine) SessionView {
	s := m.Session()
	v := SessionView{
		State:   string(m.State()),
		Session: s,
		Volume:  workout.TotalVolume(s.Exercises),
	}
	if rest, ok := m.Rest(); ok {
		v.RestOn = rest.ExerciseID
		v.RestRemaining = int(m.RestRemaining() / time.Second)
	}
	return v
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Author the workout in progress",
		Long: `Author the workout in progress.

Every invocation restores the draft saved by the previous one, so a session
survives the process exiting at any point. Exercises and sets are addressed
by their zero-based index as printed by "liftsync session show".`,
	}

	cmd.AddCommand(newSessionStartCommand(rootOpts))
	cmd.AddCommand(newSessionAddExerciseCommand(rootOpts))
	cmd.AddCommand(newSessionAddSetCommand(rootOpts))
	cmd.AddCommand(newSessionSetCommand(rootOpts))
	cmd.AddCommand(newSessionCompleteCommand(rootOpts))
	cmd.AddCommand(newSessionRestCommand(rootOpts))
	cmd.AddCommand(newSessionEffortCommand(rootOpts))
	cmd.AddCommand(newSessionShowCommand(rootOpts))
	cmd.AddCommand(newSessionFinishCommand(rootOpts))
	cmd.AddCommand(newSessionCancelCommand(rootOpts))

	return cmd
}

// withSession restores the session in progress and runs fn against it.
// fn returns the text line to print on success.
func withSession(cmd *cobra.Command, opts *RootOptions, op string, fn func(ctx context.Context, m *authoring.Machine) (string, error)) error {
	return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
		m, ok, err := env.rt.Restore(ctx)
		if err != nil {
			return env.fail("failed to restore session", err)
		}
		if !ok {
			return env.fail(op+" failed", device.ErrNoSession)
		}
		line, err := fn(ctx, m)
		if err != nil {
			return env.fail(op+" failed", err)
		}
		return env.out.Result(line+"\n", viewOf(m))
	})
}

func parseIndex(name, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("%s must be a non-negative integer, got %q", name, raw))
	}
	return n, nil
}

func newSessionStartCommand(opts *RootOptions) *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
				if _, ok, err := env.rt.Restore(ctx); err != nil {
					return env.fail("failed to restore session", err)
				} else if ok {
					return env.fail("start failed", device.ErrSessionActive)
				}
				m, err := env.rt.StartSession(ctx, templateID)
				if err != nil {
					return env.fail("start failed", err)
				}
				return env.out.Result(fmt.Sprintf("started session %s\n", m.ID()), viewOf(m))
			})
		},
	}
	cmd.Flags().StringVarP(&templateID, "template", "t", "", "seed exercises from a saved template")
	return cmd
}

func newSessionAddExerciseCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-exercise <exercise-id> <name...>",
		Short: "Append an exercise without sets",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args[1:], " ")
			return withSession(cmd, opts, "add exercise", func(ctx context.Context, m *authoring.Machine) (string, error) {
				idx, err := m.AddExercise(ctx, args[0], name)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("exercise %d: %s", idx, name), nil
			})
		},
	}
}

func newSessionAddSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-set <exercise>",
		Short: "Append a blank set to an exercise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, err := parseIndex("exercise", args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, "add set", func(ctx context.Context, m *authoring.Machine) (string, error) {
				idx, err := m.AddSet(ctx, ex)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("exercise %d set %d added", ex, idx), nil
			})
		},
	}
}

func newSessionSetCommand(opts *RootOptions) *cobra.Command {
	var weight, reps, duration, distance string
	cmd := &cobra.Command{
		Use:   "set <exercise> <set>",
		Short: "Edit the fields of a set",
		Long: `Edit the fields of a set. Values are taken as typed; anything that is not a
number is recorded as zero.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, err := parseIndex("exercise", args[0])
			if err != nil {
				return err
			}
			set, err := parseIndex("set", args[1])
			if err != nil {
				return err
			}
			var patch authoring.SetPatch
			flags := cmd.Flags()
			if flags.Changed("weight") {
				patch.Weight = &weight
			}
			if flags.Changed("reps") {
				patch.Reps = &reps
			}
			if flags.Changed("duration") {
				patch.DurationSec = &duration
			}
			if flags.Changed("distance") {
				patch.Distance = &distance
			}
			return withSession(cmd, opts, "edit set", func(ctx context.Context, m *authoring.Machine) (string, error) {
				if err := m.UpdateSet(ctx, ex, set, patch); err != nil {
					return "", err
				}
				s := m.Session().Exercises[ex].Sets[set]
				return fmt.Sprintf("exercise %d set %d: %s", ex, set, formatSet(s)), nil
			})
		},
	}
	cmd.Flags().StringVar(&weight, "weight", "", "weight")
	cmd.Flags().StringVar(&reps, "reps", "", "repetitions")
	cmd.Flags().StringVar(&duration, "duration", "", "duration in seconds")
	cmd.Flags().StringVar(&distance, "distance", "", "distance")
	return cmd
}

func newSessionCompleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <exercise> <set>",
		Short: "Toggle a set complete",
		Long: `Toggle a set complete. Completing fills blank weight and reps from the same
set of the last finished session and starts the rest countdown.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ex, err := parseIndex("exercise", args[0])
			if err != nil {
				return err
			}
			set, err := parseIndex("set", args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, "complete set", func(ctx context.Context, m *authoring.Machine) (string, error) {
				done, err := m.ToggleComplete(ctx, ex, set)
				if err != nil {
					return "", err
				}
				s := m.Session().Exercises[ex].Sets[set]
				if !done {
					return fmt.Sprintf("exercise %d set %d reopened", ex, set), nil
				}
				return fmt.Sprintf("exercise %d set %d done: %s, rest %ds", ex, set, formatSet(s), intOr(s.RestSec, 0)), nil
			})
		},
	}
}

func newSessionRestCommand(opts *RootOptions) *cobra.Command {
	var stop bool
	var exerciseID string
	cmd := &cobra.Command{
		Use:   "rest [<exercise> <seconds>]",
		Short: "Configure or stop the rest countdown",
		Long: `Configure or stop the rest countdown.

  liftsync session rest 0 90            rest 90s after sets of exercise 0
  liftsync session rest --exercise bench 90
                                        remember 90s for bench in later sessions
  liftsync session rest --stop          end the running countdown`,
		Args: func(cmd *cobra.Command, args []string) error {
			switch {
			case stop:
				return cobra.NoArgs(cmd, args)
			case exerciseID != "":
				return cobra.ExactArgs(1)(cmd, args)
			default:
				return cobra.ExactArgs(2)(cmd, args)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if stop {
				return withSession(cmd, opts, "stop rest", func(ctx context.Context, m *authoring.Machine) (string, error) {
					return "rest stopped", m.StopRest(ctx)
				})
			}
			secArg := args[len(args)-1]
			sec, err := parseIndex("seconds", secArg)
			if err != nil {
				return err
			}
			if exerciseID != "" {
				return withSession(cmd, opts, "set rest", func(ctx context.Context, m *authoring.Machine) (string, error) {
					return fmt.Sprintf("rest for %s: %ds", exerciseID, sec), m.SetRestPreference(ctx, exerciseID, sec)
				})
			}
			ex, err := parseIndex("exercise", args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, "set rest", func(ctx context.Context, m *authoring.Machine) (string, error) {
				return fmt.Sprintf("exercise %d rest: %ds", ex, sec), m.SetExerciseRest(ctx, ex, sec)
			})
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "stop the running countdown")
	cmd.Flags().StringVar(&exerciseID, "exercise", "", "store a rest preference for an exercise id")
	return cmd
}

func newSessionEffortCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "effort <rating>",
		Short: "Record the overall effort rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			effort, err := parseIndex("rating", args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, "set effort", func(ctx context.Context, m *authoring.Machine) (string, error) {
				return fmt.Sprintf("effort %d", effort), m.SetEffort(ctx, effort)
			})
		},
	}
}

func newSessionShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the session in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
				m, ok, err := env.rt.Restore(ctx)
				if err != nil {
					return env.fail("failed to restore session", err)
				}
				if !ok {
					return env.fail("show failed", device.ErrNoSession)
				}
				v := viewOf(m)
				return env.out.Result(renderSession(v), v)
			})
		},
	}
}

// FinishView is the JSON shape of a finished session.
type FinishView struct {
	Session         workout.Session `json:"session"`
	Pushed          bool            `json:"pushed"`
	Queued          bool            `json:"queued"`
	Rejected        bool            `json:"rejected"`
	ServerUpdatedAt int64           `json:"serverUpdatedAt,omitempty"`
	PushError       string          `json:"pushError,omitempty"`
}

func newSessionFinishCommand(opts *RootOptions) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Finish the session and push it",
		Long: `Finish the session and push it to the server.

--policy decides what happens to sets that are not complete:
  delete    drop them, and exercises left without sets
  complete  mark them complete, filling blanks from the last session
  keep      leave them as they are

When the server cannot be reached the finished session is queued and sent by
the next "liftsync sync".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := finish.ParsePolicy(policy)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --policy", err)
			}
			return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
				if _, ok, err := env.rt.Restore(ctx); err != nil {
					return env.fail("failed to restore session", err)
				} else if !ok {
					return env.fail("finish failed", device.ErrNoSession)
				}
				res, err := env.rt.Finish(ctx, p)
				if err != nil {
					return env.fail("finish failed", err)
				}
				v := FinishView{
					Session:         res.Session,
					Pushed:          res.Push.Pushed,
					Queued:          res.Push.Queued,
					Rejected:        res.Push.Rejected,
					ServerUpdatedAt: res.Push.ServerUpdatedAt,
				}
				if res.Push.PushErr != nil {
					v.PushError = res.Push.PushErr.Error()
				}
				return env.out.Result(renderFinish(v), v)
			})
		},
	}
	cmd.Flags().StringVarP(&policy, "policy", "p", string(finish.PolicyDelete), "incomplete set policy (delete|complete|keep)")
	return cmd
}

func newSessionCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Discard the session in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
				m, ok, err := env.rt.Restore(ctx)
				if err != nil {
					return env.fail("failed to restore session", err)
				}
				if !ok {
					return env.fail("cancel failed", device.ErrNoSession)
				}
				id := m.ID()
				if err := env.rt.Cancel(ctx); err != nil {
					return env.fail("cancel failed", err)
				}
				return env.out.Result(fmt.Sprintf("cancelled session %s\n", id), map[string]string{"cancelled": id})
			})
		},
	}
}

func renderSession(v SessionView) string {
	var b strings.Builder
	s := v.Session
	fmt.Fprintf(&b, "session %s (%s) started %s\n", s.ID, v.State, s.StartTime.UTC().Format(time.RFC3339))
	if s.TemplateID != "" {
		fmt.Fprintf(&b, "template %s\n", s.TemplateID)
	}
	for i, ex := range s.Exercises {
		fmt.Fprintf(&b, "[%d] %s (%s)", i, ex.Name, ex.ExerciseID)
		if ex.RestSec != nil {
			fmt.Fprintf(&b, " rest %ds", *ex.RestSec)
		}
		b.WriteString("\n")
		for j, set := range ex.Sets {
			fmt.Fprintf(&b, "    [%d] %s\n", j, formatSet(set))
		}
	}
	fmt.Fprintf(&b, "volume %s\n", formatNumber(v.Volume))
	if s.Effort != nil {
		fmt.Fprintf(&b, "effort %d\n", *s.Effort)
	}
	if v.RestOn != "" {
		fmt.Fprintf(&b, "resting (%s): %ds left\n", v.RestOn, v.RestRemaining)
	}
	return b.String()
}

func renderFinish(v FinishView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "finished session %s: %d sets, volume %s\n",
		v.Session.ID, v.Session.SetCount(), formatNumber(v.Session.TotalVolume))
	switch {
	case v.Pushed:
		fmt.Fprintf(&b, "pushed (server time %d)\n", v.ServerUpdatedAt)
	case v.Rejected:
		fmt.Fprintf(&b, "rejected by server: %s\n", v.PushError)
	case v.Queued:
		b.WriteString("queued for the next sync\n")
	}
	return b.String()
}

func formatSet(s workout.Set) string {
	out := fmt.Sprintf("%s x %s", formatNumber(s.Weight), formatNumber(s.Reps))
	if s.DurationSec != nil {
		out += fmt.Sprintf(" %ss", formatNumber(*s.DurationSec))
	}
	if s.Distance != nil {
		out += " dist " + formatNumber(*s.Distance)
	}
	if s.IsCompleted {
		out += " done"
	}
	return out
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
