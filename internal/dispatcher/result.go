package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/hostconn"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

// CommandError reports a command that ran but did not succeed: a non-zero
// exit or a timeout.
type CommandError struct {
	Stage  string
	Spec   string
	Result hostconn.Result
}

func (e *CommandError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("stage %s: %q on %s timed out after %s", e.Stage, e.Spec, e.Result.Alias, e.Result.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("stage %s: %q on %s exited with status %d", e.Stage, e.Spec, e.Result.Alias, e.Result.ExitStatus)
}

// HostOutcome is the outcome of one spec on one host. Result is set for exec specs.
type HostOutcome struct {
	Alias  string
	Result *hostconn.Result
	Err    error
}

type SpecResult struct {
	Index int
	Spec  command.Spec
	Kind  command.Kind
	Hosts []HostOutcome
	// Err is a failure that is not tied to one host (invalid spec, resolution
	// failure) or the fault that aborted a fan-out, which is also recorded on
	// its host.
	Err error
}

func (s SpecResult) Failed() bool {
	if s.Err != nil {
		return true
	}
	for _, h := range s.Hosts {
		if h.Err != nil {
			return true
		}
	}
	return false
}

func (s SpecResult) errs() []error {
	var out []error
	if s.Err != nil {
		out = append(out, s.Err)
	}
	for _, h := range s.Hosts {
		if h.Err != nil && h.Err != s.Err {
			out = append(out, h.Err)
		}
	}
	return out
}

type StageResult struct {
	ID      uuid.UUID
	Stage   string
	Policy  Policy
	Started time.Time
	Elapsed time.Duration
	Specs   []SpecResult
	// Aborted is set when the stage stopped before its last spec.
	Aborted bool
}

func (r *StageResult) Failed() bool {
	if r.Aborted {
		return true
	}
	for _, s := range r.Specs {
		if s.Failed() {
			return true
		}
	}
	return false
}

// Err merges every recorded failure, or returns nil.
func (r *StageResult) Err() error {
	var result *multierror.Error
	for _, s := range r.Specs {
		result = multierror.Append(result, s.errs()...)
	}
	return result.ErrorOrNil()
}

// Summary is a one-line account of the stage naming the failed specs and hosts.
func (r *StageResult) Summary() string {
	var failed []string
	for _, s := range r.Specs {
		if !s.Failed() {
			continue
		}
		var hosts []string
		for _, h := range s.Hosts {
			if h.Err != nil {
				hosts = append(hosts, h.Alias)
			}
		}
		if len(hosts) == 0 {
			failed = append(failed, fmt.Sprintf("%q", s.Spec.Label()))
		} else {
			failed = append(failed, fmt.Sprintf("%q on %s", s.Spec.Label(), strings.Join(hosts, ",")))
		}
	}
	msg := fmt.Sprintf("stage %s: %d specs run", r.Stage, len(r.Specs))
	if r.Aborted {
		msg += ", aborted"
	}
	if len(failed) == 0 {
		return msg + ", all succeeded"
	}
	return fmt.Sprintf("%s, %d failed: %s", msg, len(failed), strings.Join(failed, "; "))
}

// Report converts the result into the document handed to result sinks.
func (r *StageResult) Report() dm.StageReport {
	rep := dm.StageReport{
		ExecutionID: r.ID,
		Stage:       r.Stage,
		Policy:      r.Policy.String(),
		Started:     r.Started,
		ElapsedSec:  r.Elapsed.Seconds(),
		Success:     !r.Failed(),
		Specs:       make([]dm.SpecReport, 0, len(r.Specs)),
	}
	for _, s := range r.Specs {
		sr := dm.SpecReport{
			Index:   s.Index,
			Name:    s.Spec.Label(),
			Kind:    string(s.Kind),
			Target:  s.Spec.Target.String(),
			Success: !s.Failed(),
			Error:   errString(s.Err),
		}
		for _, h := range s.Hosts {
			hr := dm.HostReport{Alias: h.Alias, Success: h.Err == nil, Error: errString(h.Err)}
			if h.Result != nil {
				hr.ExitStatus = h.Result.ExitStatus
				hr.TimedOut = h.Result.TimedOut
				hr.ElapsedSec = h.Result.Elapsed.Seconds()
				hr.Stdout = h.Result.Stdout
				hr.Stderr = h.Result.Stderr
			}
			sr.Hosts = append(sr.Hosts, hr)
		}
		rep.Specs = append(rep.Specs, sr)
	}
	return rep
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
