package bluetooth

// RunState represents the lifecycle state of a peripheral session.
type RunState int32

// The lifecycle states, in the order they are entered.
// A session only ever moves forward through these states.
const (
	StateUninitialized RunState = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
)

// runStateNames holds names of the different run states.
var runStateNames = map[RunState]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateRunning:       "running",
	StateStopping:      "stopping",
	StateStopped:       "stopped",
}

// String returns the name of the run state.
func (r RunState) String() string {
	return runStateNames[r]
}

// Health represents the overall health of a peripheral session.
type Health int32

// The different health values.
const (
	HealthOk Health = iota
	HealthFailedInit
	HealthFailedRun
)

// healthNames holds names of the different health values.
var healthNames = map[Health]string{
	HealthOk:         "ok",
	HealthFailedInit: "failed_init",
	HealthFailedRun:  "failed_run",
}

// String returns the name of the health value.
func (h Health) String() string {
	return healthNames[h]
}
