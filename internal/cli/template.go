package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/liftsync/internal/workout"
)

// templateFile is the YAML layout accepted by "template save".
//
//	id: push-day        # optional; omitted means a new template
//	name: Push Day
//	exercises:
//	  - exercise_id: bench
//	    name: Bench Press
//	    sets: 3
//	    rest_sec: 90
type templateFile struct {
	ID        string             `yaml:"id"`
	Module    string             `yaml:"module"`
	Name      string             `yaml:"name"`
	Exercises []templateExercise `yaml:"exercises"`
}

type templateExercise struct {
	ExerciseID string `yaml:"exercise_id"`
	Name       string `yaml:"name"`
	Sets       int    `yaml:"sets"`
	RestSec    *int   `yaml:"rest_sec"`
}

// loadTemplateFile parses and checks a template file.
func loadTemplateFile(path string) (workout.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workout.Template{}, fmt.Errorf("failed to read template file: %w", err)
	}
	var tf templateFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&tf); err != nil {
		return workout.Template{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if strings.TrimSpace(tf.Name) == "" {
		return workout.Template{}, fmt.Errorf("template name is required")
	}
	t := workout.Template{
		ID:        tf.ID,
		Module:    tf.Module,
		Name:      tf.Name,
		Exercises: make([]workout.TemplateExercise, 0, len(tf.Exercises)),
	}
	for i, ex := range tf.Exercises {
		if ex.ExerciseID == "" {
			return workout.Template{}, fmt.Errorf("exercise %d: exercise_id is required", i)
		}
		if ex.Sets < 0 {
			return workout.Template{}, fmt.Errorf("exercise %d: sets must not be negative", i)
		}
		t.Exercises = append(t.Exercises, workout.TemplateExercise{
			ExerciseID: ex.ExerciseID,
			Name:       ex.Name,
			Sets:       ex.Sets,
			RestSec:    ex.RestSec,
		})
	}
	return t, nil
}

// NewTemplateCommand creates the template command group.
func NewTemplateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage the session template library",
	}
	cmd.AddCommand(newTemplateSaveCommand(rootOpts))
	cmd.AddCommand(newTemplateListCommand(rootOpts))
	return cmd
}

// TemplateSaveView is the JSON shape of a saved template.
type TemplateSaveView struct {
	Template workout.Template `json:"template"`
	Pushed   bool             `json:"pushed"`
	Rejected bool             `json:"rejected,omitempty"`
	Blocked  string           `json:"blocked,omitempty"`
}

func newTemplateSaveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save <file.yaml>",
		Short: "Create or update a template",
		Long: `Create or update a template from a YAML file. A template with an id that is
already in the library is updated; anything else is created. The change is
sent to the server, or queued when it cannot be reached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTemplateFile(args[0])
			if err != nil {
				return opts.formatter(cmd).Fail(ExitCommandError, ErrCodeInput, "invalid template", err)
			}
			return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
				saved, res, err := env.rt.SaveTemplate(ctx, t)
				if err != nil {
					return env.fail("template save failed", err)
				}
				v := TemplateSaveView{Template: saved, Blocked: res.Blocked}
				for _, r := range res.Parked {
					if r.Mutation.TargetID == saved.ID {
						v.Rejected = true
					}
				}
				v.Pushed = res.Blocked == "" && !v.Rejected
				text := fmt.Sprintf("saved template %s (%s)\n", saved.ID, saved.Name)
				switch {
				case v.Rejected:
					text += "rejected by server\n"
				case !v.Pushed:
					text += "queued for the next sync\n"
				}
				return env.out.Result(text, v)
			})
		},
	}
}

func newTemplateListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts, func(ctx context.Context, env *deviceEnv) error {
				list, err := env.rt.Templates(ctx)
				if err != nil {
					return env.fail("failed to list templates", err)
				}
				var b strings.Builder
				for _, t := range list {
					fmt.Fprintf(&b, "%s  %s  %d exercise(s)\n", t.ID, t.Name, len(t.Exercises))
				}
				if len(list) == 0 {
					b.WriteString("no templates\n")
				}
				return env.out.Result(b.String(), list)
			})
		},
	}
}
