package harness

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step behaved as declared and all assertions hold.
	Pass bool `json:"pass"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the end state, compared against the golden file.
	State Snapshot `json:"state"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult(name string) *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		State: Snapshot{
			Scenario: name,
			Steps:    []string{},
			Devices:  map[string]DeviceState{},
		},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep records the observable outcome of one step.
func (r *Result) AddStep(line string) {
	r.State.Steps = append(r.State.Steps, line)
}

// Snapshot is the deterministic end state of a scenario. Generated ids and
// timestamps are left out so the snapshot only changes when behavior does.
type Snapshot struct {
	Scenario string                 `json:"scenario"`
	Steps    []string               `json:"steps"`
	Devices  map[string]DeviceState `json:"devices"`
	Server   ServerState            `json:"server"`
}

// DeviceState is what one device holds locally.
type DeviceState struct {
	Active            bool          `json:"active"`
	History           []HistoryItem `json:"history"`
	PendingWorkouts   int           `json:"pendingWorkouts"`
	PendingTemplates  int           `json:"pendingTemplates"`
	RejectedWorkouts  int           `json:"rejectedWorkouts"`
	RejectedTemplates int           `json:"rejectedTemplates"`
	Templates         []string      `json:"templates"`
}

// SessionSummary describes a finished session without ids or times.
type SessionSummary struct {
	Exercises []string `json:"exercises"`
	Sets      int      `json:"sets"`
	Volume    float64  `json:"volume"`
}

// HistoryItem is a session in a device's local cache.
type HistoryItem struct {
	SessionSummary
	Synced bool `json:"synced"`
}

// ServerState is what the server holds for the scenario's user.
type ServerState struct {
	Workouts  []SessionSummary `json:"workouts"`
	Deleted   int              `json:"deleted"`
	Templates []string         `json:"templates"`
}
