package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestLoadScenarioDefaultsDevice(t *testing.T) {
	path := writeScenario(t, `
name: minimal
description: one step
steps:
  - do: start
assertions:
  - type: session_active
    active: true
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"phone"}, s.Devices)
	assert.Equal(t, ActionStart, s.Steps[0].Do)
}

func TestLoadScenarioErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "name: x\ndescription: y\nstep: []\n", "failed to parse YAML"},
		{"no name", "description: y\nsteps: [{do: start}]\nassertions: [{type: session_active}]\n", "name is required"},
		{"no description", "name: x\nsteps: [{do: start}]\nassertions: [{type: session_active}]\n", "description is required"},
		{"no steps", "name: x\ndescription: y\nassertions: [{type: session_active}]\n", "steps list is required"},
		{"no assertions", "name: x\ndescription: y\nsteps: [{do: start}]\n", "assertions list is required"},
		{"unknown action", "name: x\ndescription: y\nsteps: [{do: jump}]\nassertions: [{type: session_active}]\n", `unknown action "jump"`},
		{"unknown step device", "name: x\ndescription: y\nsteps: [{do: start, device: watch}]\nassertions: [{type: session_active}]\n", `unknown device "watch"`},
		{"duplicate device", "name: x\ndescription: y\ndevices: [a, a]\nsteps: [{do: start}]\nassertions: [{type: session_active}]\n", "duplicate device"},
		{"bad queue", "name: x\ndescription: y\nsteps: [{do: start}]\nassertions: [{type: queue_length, queue: drafts}]\n", "queue must be workouts or templates"},
		{"unknown assertion", "name: x\ndescription: y\nsteps: [{do: start}]\nassertions: [{type: vibes}]\n", "unknown assertion type"},
		{"unknown assertion device", "name: x\ndescription: y\nsteps: [{do: start}]\nassertions: [{type: session_active, device: watch}]\n", `unknown device "watch"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestRunReportsFailedAssertion(t *testing.T) {
	result, err := Run(&Scenario{
		Name:       "wrong",
		Devices:    []string{"phone"},
		Steps:      []Step{{Do: ActionStart}},
		Assertions: []Assertion{{Type: AssertSessionActive, Active: false}, {Type: AssertServerWorkouts, Count: 1}},
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "session active = false")
	assert.Contains(t, result.Errors[1], "server holds 1 workout(s)")
	assert.True(t, result.State.Devices["phone"].Active)
}

func TestRunStepOutcomes(t *testing.T) {
	result, err := Run(&Scenario{
		Name:    "outcomes",
		Devices: []string{"phone"},
		Steps: []Step{
			{Do: ActionFinish, Fails: true},
			{Do: ActionStart, Fails: true},
			{Do: ActionAddSet, Args: map[string]any{"exercise": 3}},
		},
		Assertions: []Assertion{{Type: AssertSessionActive, Active: true}},
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"phone finish: failed",
		"phone start: 0 exercise(s)",
		"phone add_set: error",
	}, result.State.Steps)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected failure")
	assert.Contains(t, result.Errors[1], "index out of range")
}

func TestRunAdvanceAndRest(t *testing.T) {
	result, err := Run(&Scenario{
		Name:    "rest",
		Devices: []string{"phone"},
		Steps: []Step{
			{Do: ActionStart},
			{Do: ActionAddExercise, Args: map[string]any{"exercise_id": "row", "name": "Row"}},
			{Do: ActionAddSet, Args: map[string]any{"exercise": 0}},
			{Do: ActionSet, Args: map[string]any{"exercise": 0, "set": 0, "weight": "50,5", "reps": "abc"}},
			{Do: ActionComplete, Args: map[string]any{"exercise": 0, "set": 0}},
			{Do: ActionComplete, Args: map[string]any{"exercise": 0, "set": 0}},
			{Do: ActionAdvance, Args: map[string]any{"duration": "bogus"}},
		},
		Assertions: []Assertion{{Type: AssertSessionActive, Active: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"phone start: 0 exercise(s)",
		"phone add_exercise: [0] Row",
		"phone add_set: [0][0]",
		"phone set: [0][0] 50.5x0 open",
		"phone complete: [0][0] 50.5x0 rest 120s",
		"phone complete: [0][0] reopened",
		"phone advance: error",
	}, result.State.Steps)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "advance")
}

func TestMarshalSnapshotIsStable(t *testing.T) {
	snap := Snapshot{
		Scenario: "s",
		Steps:    []string{"phone start: 0 exercise(s)"},
		Devices:  map[string]DeviceState{"b": {History: []HistoryItem{}, Templates: []string{}}, "a": {Active: true, History: []HistoryItem{}, Templates: []string{}}},
		Server:   ServerState{Workouts: []SessionSummary{}, Templates: []string{}},
	}
	first, err := MarshalSnapshot(snap)
	require.NoError(t, err)
	second, err := MarshalSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasSuffix(string(first), "}\n"))
	assert.Less(t, strings.Index(string(first), `"a"`), strings.Index(string(first), `"b"`))
}

func TestAssertionErrorListsSteps(t *testing.T) {
	err := &AssertionError{Type: AssertQueueLength, Expected: "0", Actual: "1", Steps: []string{"phone offline"}}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: queue_length")
	assert.Contains(t, msg, "[1] phone offline")
}
