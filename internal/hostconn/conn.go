// Package hostconn executes operations against one target machine. A Conn is
// created by a Factory and is one of a closed set of variants: Local, SSH or Agent.
//
// A Conn is owned by whoever created it and is not safe for concurrent use.
package hostconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TimeoutStatus is the exit status synthesized for a command killed by its timeout.
const TimeoutStatus = 124

var (
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport failure")
	// ErrUnsupported is returned by variants that cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by connection")
)

// Conn is the capability set shared by every variant.
type Conn interface {
	Alias() string
	// Execute runs argv. A non-zero exit or a timeout is reported in the Result;
	// the error is reserved for transport faults, empty argv and cancellation.
	Execute(ctx context.Context, argv []string, opts ExecOptions) (Result, error)
	UploadFile(ctx context.Context, localPath, remotePath string) error
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	CreateFile(ctx context.Context, path string, contents []byte) error
	// Forward opens a listener reachable at addr from the host's side.
	Forward(ctx context.Context, addr string) (net.Listener, error)
	Close() error
}

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

type ExecOptions struct {
	// Timeout kills the command once elapsed. Zero means no limit.
	Timeout time.Duration
	// Capture keeps output in the Result in addition to streaming it to the log.
	Capture bool
	PTY     bool
	// OnLine observes every output line as it is produced.
	OnLine func(stream Stream, line string)
}

type Result struct {
	Alias      string        `json:"alias"`
	Argv       []string      `json:"argv"`
	ExitStatus int           `json:"exit_status"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Success    bool          `json:"success"`
}

func (r *Result) settle(status int, timedOut bool) {
	r.ExitStatus = status
	r.TimedOut = timedOut
	r.Success = status == 0 && !timedOut
}

// TransportError is a connection, authentication or channel failure.
type TransportError struct {
	Alias string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Alias, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

func transportFault(alias, op string, err error) error {
	return &TransportError{Alias: alias, Op: op, Err: err}
}
