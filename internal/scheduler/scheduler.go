// Package scheduler runs during-test command specs at fixed offsets from the
// start of a test, on one background goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/dispatcher"
	"github.com/andrej220/stagehand/internal/lg"
)

var ErrStarted = errors.New("scheduler already started")

type State int32

const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Runner executes a stage. *dispatcher.Dispatcher implements it.
type Runner interface {
	RunStage(ctx context.Context, stage string, specs []command.Spec, policy dispatcher.Policy, resolver dispatcher.HostResolver) (*dispatcher.StageResult, error)
}

type entry struct {
	at     time.Time
	offset time.Duration
	spec   command.Spec
}

type Scheduler struct {
	log      lg.Logger
	runner   Runner
	resolver dispatcher.HostResolver
	entries  []entry

	mu      sync.Mutex
	state   State
	results []*dispatcher.StageResult

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New gathers entries from every scope in order and computes their absolute
// times from start. An entry without an offset is a configuration error.
// Entries landing on the same instant replace the earlier one.
func New(log lg.Logger, runner Runner, resolver dispatcher.HostResolver, start time.Time, scopes ...[]command.TimedSpec) (*Scheduler, error) {
	log = lg.OrDiscard(log).With(lg.String("stage", string(command.DuringTest)))

	byTime := make(map[time.Time]entry)
	for _, scope := range scopes {
		for _, ts := range scope {
			if ts.At == nil {
				return nil, fmt.Errorf("%w: during_test entry %q has no \"at\" offset", command.ErrConfiguration, ts.Spec.Label())
			}
			if *ts.At < 0 {
				return nil, fmt.Errorf("%w: during_test entry %q has a negative offset", command.ErrConfiguration, ts.Spec.Label())
			}
			e := entry{at: start.Add(ts.At.Std()), offset: ts.At.Std(), spec: ts.Spec}
			if prev, dup := byTime[e.at]; dup {
				log.Warn("schedule entry replaced by a later entry with the same time",
					lg.Duration("at", e.offset), lg.String("replaced", prev.spec.Label()), lg.String("spec", e.spec.Label()))
			}
			byTime[e.at] = e
		}
	}

	s := &Scheduler{
		log:      log,
		runner:   runner,
		resolver: resolver,
		entries:  make([]entry, 0, len(byTime)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, e := range byTime {
		s.entries = append(s.entries, e)
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].at.Before(s.entries[j].at) })
	return s, nil
}

func (s *Scheduler) Len() int { return len(s.entries) }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Results returns the stages run so far.
func (s *Scheduler) Results() []*dispatcher.StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*dispatcher.StageResult(nil), s.results...)
}

// Start launches the loop. ctx is passed to every dispatched stage; cancelling it
// also ends the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Created {
		return ErrStarted
	}
	s.state = Running
	s.log.Info("scheduler started", lg.Int("entries", len(s.entries)))
	go s.loop(ctx)
	return nil
}

// Stop abandons the entries not yet due and waits for the loop to exit. A stage
// already dispatched runs to completion first. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.state != Created
	if !started {
		s.state = Stopped
	}
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
	}()

	for i, e := range s.entries {
		if !s.wait(ctx, e.at) {
			s.log.Info("scheduler stopped", lg.Int("abandoned", len(s.entries)-i))
			return
		}
		s.log.Debug("running scheduled entry", lg.Duration("at", e.offset), lg.String("spec", e.spec.Label()))
		res, err := s.runner.RunStage(ctx, string(command.DuringTest), []command.Spec{e.spec}, dispatcher.Continue, s.resolver)
		if err != nil {
			s.log.Error("scheduled entry", lg.String("spec", e.spec.Label()), lg.Err(err))
		}
		if res != nil {
			s.mu.Lock()
			s.results = append(s.results, res)
			s.mu.Unlock()
		}
	}
	s.log.Info("schedule exhausted")
}

// wait blocks until at, reporting false if stop or cancellation came first.
func (s *Scheduler) wait(ctx context.Context, at time.Time) bool {
	select {
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	timer := time.NewTimer(time.Until(at))
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
