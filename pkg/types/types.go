// Package types holds the JSON types shared by the status API and its clients.
package types

// State is the simulation coordinator state.
type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateDeriving    State = "deriving"
	StateFunding     State = "funding"
	StatePreparing   State = "preparing"
	StateExecuting   State = "executing"
	StateResolving   State = "resolving"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// States lists every state in transition order, Failed last.
var States = []State{
	StateIdle, StateConfiguring, StateDeriving, StateFunding, StatePreparing,
	StateExecuting, StateResolving, StateDone, StateFailed,
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Scenario selects which operations a run generates.
type Scenario string

const (
	ScenarioDeposit       Scenario = "deposit"
	ScenarioTransfer      Scenario = "transfer"
	ScenarioTransferToNew Scenario = "transfer-to-new"
	ScenarioWithdraw      Scenario = "withdraw"
	ScenarioChangePubKey  Scenario = "change-pubkey"
	ScenarioAll           Scenario = "all"
)

// Scenarios lists the accepted scenario names.
var Scenarios = []Scenario{
	ScenarioDeposit, ScenarioTransfer, ScenarioTransferToNew,
	ScenarioWithdraw, ScenarioChangePubKey, ScenarioAll,
}

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool {
	for _, known := range Scenarios {
		if s == known {
			return true
		}
	}
	return false
}

// LatencyBucket is one bar of a latency histogram.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats contains latency percentiles in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P95     float64         `json:"p95"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// KindSummary aggregates the results of one operation kind.
type KindSummary struct {
	Kind         string        `json:"kind"`
	Submitted    int           `json:"submitted"`
	SubmitFailed int           `json:"submitFailed"`
	Settled      int           `json:"settled"`
	Failed       int           `json:"failed"`
	Finalized    int           `json:"finalized"`
	Unfinalized  int           `json:"unfinalized"`
	Settlement   *LatencyStats `json:"settlementLatency,omitempty"`
	Finality     *LatencyStats `json:"finalityLatency,omitempty"`
}

// Summary is the outcome of one simulation run.
type Summary struct {
	Scenario       Scenario       `json:"scenario"`
	TxCount        int            `json:"txCount"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	TargetRate     float64        `json:"targetRate"`
	AchievedRate   float64        `json:"achievedRate"`
	SubmissionMs   int64          `json:"submissionMs"`
	ResolutionMs   int64          `json:"resolutionMs"`
	Kinds          []KindSummary  `json:"kinds"`
	FailureReasons map[string]int `json:"failureReasons,omitempty"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State     State    `json:"state"`
	Scenario  Scenario `json:"scenario,omitempty"`
	Network   string   `json:"network,omitempty"`
	Funder    string   `json:"funder,omitempty"`
	Accounts  int      `json:"accounts"`
	TxCount   int      `json:"txCount"`
	Submitted int      `json:"submitted"`
	Resolved  int      `json:"resolved"`
	InFlight  int64    `json:"inFlight"`
	ElapsedMs int64    `json:"elapsedMs"`
	Error     string   `json:"error,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status        string  `json:"status"`
	State         State   `json:"state"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
