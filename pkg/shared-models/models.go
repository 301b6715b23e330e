// Package datamodels holds the documents exchanged between stagehand processes:
// the agent protocol, inbound listener replies and published stage reports.
package datamodels

import (
	"time"

	"github.com/google/uuid"
)

// AgentExecRequest is the body of POST /v1/exec on an agent.
type AgentExecRequest struct {
	Argv      []string `json:"argv" validate:"required,min=1,dive,required"`
	TimeoutMs int64    `json:"timeout_ms,omitempty" validate:"gte=0"`
	PTY       bool     `json:"pty,omitempty"`
}

// AgentResult is the final outcome of an agent execution.
type AgentResult struct {
	ExitStatus int   `json:"exit_status"`
	ElapsedMs  int64 `json:"elapsed_ms"`
	TimedOut   bool  `json:"timed_out,omitempty"`
}

// AgentEvent is one NDJSON line of an agent exec stream: an output line,
// or the final result.
type AgentEvent struct {
	Stream string       `json:"stream,omitempty"`
	Line   string       `json:"line,omitempty"`
	Result *AgentResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Reply statuses of the inbound listener.
const (
	StatusOK             = "OK"
	StatusJSONError      = "JSON_ERROR"
	StatusExecutionError = "EXECUTION_ERROR"
)

// Reply is written back, newline terminated, for every inbound request.
type Reply struct {
	StatusCode int    `json:"status_code"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// HostReport is the outcome of one spec on one host.
type HostReport struct {
	Alias      string  `json:"alias" bson:"alias"`
	Success    bool    `json:"success" bson:"success"`
	ExitStatus int     `json:"exit_status" bson:"exit_status"`
	TimedOut   bool    `json:"timed_out,omitempty" bson:"timed_out,omitempty"`
	ElapsedSec float64 `json:"elapsed_sec" bson:"elapsed_sec"`
	Stdout     string  `json:"stdout,omitempty" bson:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty" bson:"stderr,omitempty"`
	Error      string  `json:"error,omitempty" bson:"error,omitempty"`
}

type SpecReport struct {
	Index   int          `json:"index" bson:"index"`
	Name    string       `json:"name" bson:"name"`
	Kind    string       `json:"kind,omitempty" bson:"kind,omitempty"`
	Target  string       `json:"target" bson:"target"`
	Success bool         `json:"success" bson:"success"`
	Error   string       `json:"error,omitempty" bson:"error,omitempty"`
	Hosts   []HostReport `json:"hosts,omitempty" bson:"hosts,omitempty"`
}

// StageReport is the serializable form of a stage result handed to result sinks.
type StageReport struct {
	ExecutionID uuid.UUID    `json:"exuid" bson:"-"`
	Test        string       `json:"test,omitempty" bson:"test,omitempty"`
	Stage       string       `json:"stage" bson:"stage"`
	Policy      string       `json:"policy" bson:"policy"`
	Started     time.Time    `json:"started" bson:"started"`
	ElapsedSec  float64      `json:"elapsed_sec" bson:"elapsed_sec"`
	Success     bool         `json:"success" bson:"success"`
	Specs       []SpecReport `json:"specs" bson:"specs"`
}
