package model

import "time"

// Action names are the keys of the busy map and the tags of notifications.
const (
	ActionReserve   = "reserve"
	ActionRelease   = "release"
	ActionAlertTest = "alertTest"
	ActionMetrics   = "metrics"
	ActionRunTest   = "runTest"
)

// ActionEndpoints maps each single-call action to its backend path.
var ActionEndpoints = map[string]string{
	ActionReserve:   "/reserve",
	ActionRelease:   "/release",
	ActionAlertTest: "/run-alert-test",
	ActionMetrics:   "/metrics",
}

const (
	EndpointHealth        = "/health"
	EndpointHardwareDelta = "/hardware-delta"
	EndpointScreenshot    = "/screenshot"
)

// RunTestEndpoint is recorded for composite runs, which span two calls.
const RunTestEndpoint = EndpointHardwareDelta + "+" + EndpointScreenshot

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ActionRun is one settled invocation.
type ActionRun struct {
	RunID     string
	Action    string
	Endpoint  string
	Outcome   Outcome
	Message   string
	Output    string
	StartedAt time.Time
	SettledAt time.Time
}

func (r ActionRun) Duration() time.Duration {
	if r.SettledAt.Before(r.StartedAt) {
		return 0
	}
	return r.SettledAt.Sub(r.StartedAt)
}
