package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the device state to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Steps    []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nSteps:\n")
	for i, step := range e.Steps {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, step)
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against the end state and
// returns the failure messages. Assertions without a device inspect
// defaultDevice.
func EvaluateAssertions(state Snapshot, assertions []Assertion, defaultDevice string) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(state, a, defaultDevice); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(state Snapshot, a Assertion, defaultDevice string) error {
	name := a.Device
	if name == "" {
		name = defaultDevice
	}
	ds := state.Devices[name]

	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Steps: state.Steps}
	}

	switch a.Type {
	case AssertQueueLength:
		got := ds.PendingWorkouts
		if a.Queue == "templates" {
			got = ds.PendingTemplates
		}
		if got != a.Count {
			return fail(fmt.Sprintf("%s has %d pending %s", name, a.Count, a.Queue), fmt.Sprintf("%d", got))
		}
	case AssertHistoryCount:
		if len(ds.History) != a.Count {
			return fail(fmt.Sprintf("%s caches %d session(s)", name, a.Count), fmt.Sprintf("%d", len(ds.History)))
		}
	case AssertHistoryVolume:
		if a.Index >= len(ds.History) {
			return fail(fmt.Sprintf("%s history entry %d", name, a.Index), fmt.Sprintf("only %d entries", len(ds.History)))
		}
		if got := ds.History[a.Index].Volume; got != a.Volume {
			return fail(fmt.Sprintf("%s history[%d] volume %s", name, a.Index, formatNumber(a.Volume)), formatNumber(got))
		}
	case AssertSessionActive:
		if ds.Active != a.Active {
			return fail(fmt.Sprintf("%s session active = %t", name, a.Active), fmt.Sprintf("%t", ds.Active))
		}
	case AssertServerWorkouts:
		if len(state.Server.Workouts) != a.Count {
			return fail(fmt.Sprintf("server holds %d workout(s)", a.Count), fmt.Sprintf("%d", len(state.Server.Workouts)))
		}
	case AssertServerDeleted:
		if state.Server.Deleted != a.Count {
			return fail(fmt.Sprintf("server holds %d tombstone(s)", a.Count), fmt.Sprintf("%d", state.Server.Deleted))
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
