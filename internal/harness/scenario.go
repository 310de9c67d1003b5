package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines an end-to-end sync scenario: one user, one or more
// devices talking to one server, and a script of steps run in order.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices lists the device names. The first is the default for steps
	// that do not name one. Defaults to a single "phone".
	Devices []string `yaml:"devices,omitempty"`

	// Steps are run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action on one device, or on the world.
type Step struct {
	// Device runs the step; empty means the first device.
	Device string `yaml:"device,omitempty"`

	// Do is the action name (see the Action constants).
	Do string `yaml:"do"`

	// Args contains the action arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Fails marks a step that must return an error.
	Fails bool `yaml:"fails,omitempty"`
}

// Step actions.
const (
	ActionStart        = "start"
	ActionAddExercise  = "add_exercise"
	ActionAddSet       = "add_set"
	ActionSet          = "set"
	ActionComplete     = "complete"
	ActionEffort       = "effort"
	ActionFinish       = "finish"
	ActionCancel       = "cancel"
	ActionSync         = "sync"
	ActionOffline      = "offline"
	ActionOnline       = "online"
	ActionRestart      = "restart"
	ActionAdvance      = "advance"
	ActionServerDelete = "server_delete"
	ActionSaveTemplate = "save_template"
)

var knownActions = []string{
	ActionStart, ActionAddExercise, ActionAddSet, ActionSet, ActionComplete,
	ActionEffort, ActionFinish, ActionCancel, ActionSync, ActionOffline,
	ActionOnline, ActionRestart, ActionAdvance, ActionServerDelete, ActionSaveTemplate,
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "queue_length": pending entries in a device queue
	// - "history_count": sessions in a device's local cache
	// - "history_volume": total volume of one cached session, newest first
	// - "session_active": whether a device has a session in progress
	// - "server_workouts": live sessions on the server
	// - "server_deleted": tombstones on the server
	Type string `yaml:"type"`

	// Device is the device inspected; empty means the first device.
	Device string `yaml:"device,omitempty"`

	// Queue is "workouts" or "templates" (used by queue_length).
	Queue string `yaml:"queue,omitempty"`

	// Index selects a history entry, newest first (used by history_volume).
	Index int `yaml:"index,omitempty"`

	// Count is the expected number (queue_length, history_count, server_*).
	Count int `yaml:"count,omitempty"`

	// Volume is the expected total volume (used by history_volume).
	Volume float64 `yaml:"volume,omitempty"`

	// Active is the expected state (used by session_active).
	Active bool `yaml:"active,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueLength    = "queue_length"
	AssertHistoryCount   = "history_count"
	AssertHistoryVolume  = "history_volume"
	AssertSessionActive  = "session_active"
	AssertServerWorkouts = "server_workouts"
	AssertServerDeleted  = "server_deleted"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(scenario.Devices) == 0 {
		scenario.Devices = []string{"phone"}
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := map[string]bool{}
	for i, d := range s.Devices {
		if d == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[d] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d)
		}
		seen[d] = true
	}

	for i, step := range s.Steps {
		if step.Do == "" {
			return fmt.Errorf("steps[%d]: do is required", i)
		}
		if !slices.Contains(knownActions, step.Do) {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Do)
		}
		if step.Device != "" && !seen[step.Device] {
			return fmt.Errorf("steps[%d]: unknown device %q", i, step.Device)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, seen); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, devices map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Device != "" && !devices[a.Device] {
		return fmt.Errorf("assertions[%d]: unknown device %q", index, a.Device)
	}

	switch a.Type {
	case AssertQueueLength:
		if a.Queue != "workouts" && a.Queue != "templates" {
			return fmt.Errorf("assertions[%d]: queue must be workouts or templates for queue_length", index)
		}
	case AssertHistoryVolume:
		if a.Index < 0 {
			return fmt.Errorf("assertions[%d]: index must be non-negative for history_volume", index)
		}
	case AssertHistoryCount, AssertServerWorkouts, AssertServerDeleted:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertSessionActive:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
