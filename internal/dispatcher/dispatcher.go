// Package dispatcher executes stages: ordered command specifications resolved
// to target hosts and run under a failure policy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/hostconn"
	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/pkg/workerpool"
)

// Policy decides whether one failure aborts the rest of a stage.
type Policy int

const (
	// Continue records failures and proceeds with the next spec.
	Continue Policy = iota
	// Reraise aborts the stage on the first failure and returns it.
	Reraise
)

func (p Policy) String() string {
	switch p {
	case Continue:
		return "CONTINUE"
	case Reraise:
		return "RERAISE"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONTINUE":
		return Continue, nil
	case "RERAISE", "":
		return Reraise, nil
	}
	return 0, fmt.Errorf("%w: unknown failure policy %q", command.ErrConfiguration, s)
}

// AliasPlaceholder in a download's local path is replaced by the host alias,
// so one spec can collect the same file from several hosts.
const AliasPlaceholder = "{alias}"

// HostResolver maps a selector to connections owned by the resolver's holder.
type HostResolver interface {
	Resolve(ctx context.Context, sel command.Selector) ([]hostconn.Conn, error)
}

type Dispatcher struct {
	log     lg.Logger
	capture bool
	limit   int
}

type Option func(*Dispatcher)

// WithoutCapture stops retaining command output in results; it is still logged.
func WithoutCapture() Option {
	return func(d *Dispatcher) { d.capture = false }
}

// WithFanOutLimit bounds how many hosts of one spec run at once.
func WithFanOutLimit(n int) Option {
	return func(d *Dispatcher) { d.limit = n }
}

func New(log lg.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{log: lg.OrDiscard(log), capture: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunStage executes specs in declared order. Under Reraise the first fault is
// returned unmodified together with the partial result; under Continue every
// failure is recorded in the result and the returned error is nil unless ctx
// was cancelled.
func (d *Dispatcher) RunStage(ctx context.Context, stage string, specs []command.Spec, policy Policy, resolver HostResolver) (*StageResult, error) {
	res := &StageResult{ID: uuid.New(), Stage: stage, Policy: policy, Started: time.Now()}
	log := d.log.With(lg.String("stage", stage), lg.String("exuid", res.ID.String()))
	log.Info("stage started", lg.Int("specs", len(specs)), lg.String("policy", policy.String()))

	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.Elapsed = time.Since(res.Started)
			return res, err
		}
		sr, err := d.runSpec(ctx, log, stage, i, spec, policy, resolver)
		res.Specs = append(res.Specs, sr)
		if err != nil && (policy == Reraise || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			res.Aborted = true
			res.Elapsed = time.Since(res.Started)
			log.Error("stage aborted", lg.Int("spec", i), lg.Err(err))
			return res, err
		}
	}
	res.Elapsed = time.Since(res.Started)
	if res.Failed() {
		log.Warn(res.Summary(), lg.Duration("elapsed", res.Elapsed))
	} else {
		log.Info(res.Summary(), lg.Duration("elapsed", res.Elapsed))
	}
	return res, nil
}

func (d *Dispatcher) runSpec(ctx context.Context, log lg.Logger, stage string, index int, spec command.Spec, policy Policy, resolver HostResolver) (SpecResult, error) {
	sr := SpecResult{Index: index, Spec: spec}
	log = log.With(lg.String("spec", spec.Label()))

	if err := spec.Validate(); err != nil {
		log.Error("invalid spec", lg.Err(err))
		sr.Err = err
		return sr, err
	}
	sr.Kind, _ = spec.Kind()

	conns, err := resolver.Resolve(ctx, spec.Target)
	if err != nil {
		log.Error("cannot resolve hosts", lg.String("target", spec.Target.String()), lg.Err(err))
		sr.Err = err
		return sr, err
	}
	if len(conns) == 0 {
		log.Warn("selector matched no hosts", lg.String("target", spec.Target.String()))
		return sr, nil
	}

	if len(conns) == 1 || spec.Sequential {
		for _, conn := range conns {
			out := d.invoke(ctx, log, stage, conn, spec, sr.Kind)
			sr.Hosts = append(sr.Hosts, out)
			if out.Err != nil && policy == Reraise {
				return sr, out.Err
			}
		}
		return sr, firstErr(sr.errs())
	}
	return d.fanOut(ctx, log, stage, sr, conns, policy)
}

// fanOut runs spec on every host concurrently. A Reraise fault stops hosts
// that have not started; hosts already running finish and are waited for, so
// no connection is still in use when the caller gets it back. Outcomes of every
// started host are recorded, in host order.
func (d *Dispatcher) fanOut(ctx context.Context, log lg.Logger, stage string, sr SpecResult, conns []hostconn.Conn, policy Policy) (SpecResult, error) {
	var (
		mu       sync.Mutex
		aborted  bool
		inFlight sync.WaitGroup
	)
	outcomes := make([]*HostOutcome, len(conns))
	tasks := make([]workerpool.Task[int], len(conns))
	for i, conn := range conns {
		i, conn := i, conn
		tasks[i] = func(ctx context.Context) (int, error) {
			mu.Lock()
			if aborted {
				mu.Unlock()
				return i, nil
			}
			inFlight.Add(1)
			mu.Unlock()
			defer inFlight.Done()

			out := d.invoke(ctx, log, stage, conn, sr.Spec, sr.Kind)
			outcomes[i] = &out
			if out.Err != nil && policy == Reraise {
				return i, out.Err
			}
			return i, nil
		}
	}
	var opts []workerpool.Option
	if d.limit > 0 {
		opts = append(opts, workerpool.WithLimit(d.limit))
	}
	_, err := workerpool.Run(ctx, tasks, opts...)

	mu.Lock()
	aborted = true
	mu.Unlock()
	inFlight.Wait()

	for _, out := range outcomes {
		if out != nil {
			sr.Hosts = append(sr.Hosts, *out)
		}
	}
	if err != nil {
		var taskErr *workerpool.TaskError
		if errors.As(err, &taskErr) {
			err = taskErr.Err
		}
		sr.Err = err
		return sr, err
	}
	return sr, firstErr(sr.errs())
}

// invoke performs the spec's operation on one host.
func (d *Dispatcher) invoke(ctx context.Context, log lg.Logger, stage string, conn hostconn.Conn, spec command.Spec, kind command.Kind) HostOutcome {
	out := HostOutcome{Alias: conn.Alias()}
	log = log.With(lg.String("host", out.Alias))

	switch kind {
	case command.KindExec:
		r, err := conn.Execute(ctx, spec.Exec, hostconn.ExecOptions{
			Timeout: spec.Timeout.Std(),
			Capture: d.capture,
			PTY:     spec.PTY,
		})
		out.Result = &r
		if err != nil {
			out.Err = err
		} else if !r.Success {
			out.Err = &CommandError{Stage: stage, Spec: spec.Label(), Result: r}
		}
	case command.KindUpload:
		out.Err = conn.UploadFile(ctx, spec.Upload.Local, spec.Upload.Remote)
	case command.KindDownload:
		local := strings.ReplaceAll(spec.Download.Local, AliasPlaceholder, out.Alias)
		out.Err = conn.DownloadFile(ctx, spec.Download.Remote, local)
	case command.KindCreateFile:
		out.Err = conn.CreateFile(ctx, spec.CreateFile.Path, []byte(spec.CreateFile.Contents))
	default:
		out.Err = fmt.Errorf("%w: unsupported operation %q", command.ErrConfiguration, kind)
	}

	if out.Err != nil {
		log.Error("spec failed", lg.Err(out.Err))
	} else {
		log.Info("spec succeeded", lg.String("kind", string(kind)))
	}
	return out
}

func firstErr(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
