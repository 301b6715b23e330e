// Package orchestrator drives a task: task hooks around a sequence of tests,
// each test running its body with the during-test scheduler and the inbound
// listener active.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/dispatcher"
	"github.com/andrej220/stagehand/internal/hosts"
	"github.com/andrej220/stagehand/internal/inbound"
	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/internal/scheduler"
	"github.com/andrej220/stagehand/internal/sink"
	"github.com/andrej220/stagehand/pkg/config"
)

// StageRun names the stage executing a test's body.
const StageRun = "run"

type Orchestrator struct {
	cfg        *config.Config
	inv        *hosts.Inventory
	connector  hosts.Connector
	dispatcher *dispatcher.Dispatcher
	sink       sink.Sink
	log        lg.Logger

	mu      sync.Mutex
	results []*dispatcher.StageResult
}

func New(cfg *config.Config, connector hosts.Connector, s sink.Sink, log lg.Logger) (*Orchestrator, error) {
	inv, err := cfg.Inventory()
	if err != nil {
		return nil, err
	}
	log = lg.OrDiscard(log)
	if s == nil {
		s = sink.Log{Logger: log}
	}
	return &Orchestrator{
		cfg:        cfg,
		inv:        inv,
		connector:  connector,
		dispatcher: dispatcher.New(log),
		sink:       s,
		log:        log,
	}, nil
}

// Results returns every stage result published so far.
func (o *Orchestrator) Results() []*dispatcher.StageResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*dispatcher.StageResult(nil), o.results...)
}

// Run executes pre_task, the selected tests (all when ids is empty) and
// post_task. post_task runs even when an earlier step failed or ctx was
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, ids ...string) error {
	tests, err := o.selectTests(ids)
	if err != nil {
		return err
	}

	resolver := o.inv.NewResolver("hooks", o.connector, o.log)
	defer func() {
		if err := resolver.Close(); err != nil {
			o.log.Warn("closing hook connections", lg.Err(err))
		}
	}()

	var result *multierror.Error
	err = resolver.Preconnect(ctx)
	if err == nil {
		err = o.stage(ctx, "", command.PreTask, o.cfg.Hooks.PreTask, dispatcher.Reraise, resolver)
	}
	if err == nil {
		for _, t := range tests {
			if err = o.RunTest(ctx, t, resolver); err != nil {
				break
			}
		}
	}
	result = multierror.Append(result, err)

	cleanup := context.WithoutCancel(ctx)
	result = multierror.Append(result, o.stage(cleanup, "", command.PostTask, o.cfg.Hooks.PostTask, dispatcher.Reraise, resolver))
	return result.ErrorOrNil()
}

// RunTest runs one test with the hook connections of resolver. post_test always runs.
func (o *Orchestrator) RunTest(ctx context.Context, t config.Test, resolver *hosts.Resolver) error {
	log := o.log.With(lg.String("test", t.ID))
	log.Info("test started")
	started := time.Now()

	pre := concat(o.cfg.Hooks.PreTest, t.PreTest)
	err := o.stage(ctx, t.ID, command.PreTest, pre, dispatcher.Reraise, resolver)
	if err == nil {
		err = o.runBody(ctx, log, t, resolver)
	}

	post := concat(o.cfg.Hooks.PostTest, t.PostTest)
	var result *multierror.Error
	result = multierror.Append(result, err)
	result = multierror.Append(result, o.stage(context.WithoutCancel(ctx), t.ID, command.PostTest, post, dispatcher.Reraise, resolver))
	err = result.ErrorOrNil()
	if err != nil {
		log.Error("test failed", lg.Duration("elapsed", time.Since(started)), lg.Err(err))
	} else {
		log.Info("test finished", lg.Duration("elapsed", time.Since(started)))
	}
	return err
}

func (o *Orchestrator) runBody(ctx context.Context, log lg.Logger, t config.Test, resolver *hosts.Resolver) error {
	start := time.Now()

	schedResolver := o.inv.NewResolver("scheduler", o.connector, log)
	defer schedResolver.Close()
	sched, err := scheduler.New(log, o.dispatcher, schedResolver, start,
		o.cfg.Hooks.DuringTest, o.cfg.Workload.DuringTest, t.DuringTest)
	if err != nil {
		return err
	}

	if in := o.cfg.Workload.Inbound; in != nil && !t.NoInbound {
		addr, closeInbound, err := o.startInbound(ctx, log, t.ID, in)
		if err != nil {
			return err
		}
		defer closeInbound()
		log.Info("inbound listener ready", lg.String("addr", addr.String()))
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sched.Stop()
		for _, r := range sched.Results() {
			o.publish(ctx, t.ID, r)
		}
	}()

	if err := o.stage(ctx, t.ID, StageRun, t.Run, dispatcher.Reraise, resolver); err != nil {
		return err
	}
	if remaining := t.Duration.Std() - time.Since(start); remaining > 0 {
		log.Info("holding test open", lg.Duration("remaining", remaining))
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// startInbound opens the listener, through the Via host when one is configured,
// and serves it with a resolver of its own.
func (o *Orchestrator) startInbound(ctx context.Context, log lg.Logger, testID string, in *config.Inbound) (net.Addr, func(), error) {
	res := o.inv.NewResolver("inbound", o.connector, log)

	var ln net.Listener
	var err error
	if in.Via == "" {
		var lc net.ListenConfig
		ln, err = lc.Listen(ctx, "tcp", in.Listen)
	} else {
		ln, err = o.tunnel(ctx, res, in)
	}
	if err != nil {
		res.Close()
		return nil, nil, fmt.Errorf("inbound listener: %w", err)
	}

	srv := inbound.New(log, o.dispatcher, res,
		inbound.WithChunkSize(in.ChunkSize),
		inbound.WithResultHook(func(r *dispatcher.StageResult) { o.publish(ctx, testID, r) }),
	)
	srv.Start(ln)
	return ln.Addr(), func() {
		if err := srv.Close(); err != nil {
			log.Warn("closing inbound listener", lg.Err(err))
		}
		res.Close()
	}, nil
}

func (o *Orchestrator) tunnel(ctx context.Context, res *hosts.Resolver, in *config.Inbound) (net.Listener, error) {
	sel, err := command.ParseSelector(in.Via)
	if err != nil {
		return nil, err
	}
	conns, err := res.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(conns) != 1 {
		return nil, fmt.Errorf("%w: inbound.via %q matches %d hosts", command.ErrConfiguration, in.Via, len(conns))
	}
	addr := in.RemoteAddr
	if addr == "" {
		addr = in.Listen
	}
	return conns[0].Forward(ctx, addr)
}

func (o *Orchestrator) stage(ctx context.Context, testID string, trigger command.Trigger, specs []command.Spec, policy dispatcher.Policy, resolver dispatcher.HostResolver) error {
	if len(specs) == 0 {
		return nil
	}
	res, err := o.dispatcher.RunStage(ctx, string(trigger), specs, policy, resolver)
	if res != nil {
		o.publish(ctx, testID, res)
	}
	return err
}

func (o *Orchestrator) publish(ctx context.Context, testID string, res *dispatcher.StageResult) {
	o.mu.Lock()
	o.results = append(o.results, res)
	o.mu.Unlock()

	rep := res.Report()
	rep.Test = testID
	if err := o.sink.Publish(context.WithoutCancel(ctx), rep); err != nil {
		o.log.Error("cannot publish stage report", lg.String("stage", res.Stage), lg.Err(err))
	}
}

func (o *Orchestrator) selectTests(ids []string) ([]config.Test, error) {
	if len(ids) == 0 {
		return o.cfg.Tests, nil
	}
	tests := make([]config.Test, 0, len(ids))
	for _, id := range ids {
		t, ok := o.cfg.Test(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown test %q", command.ErrConfiguration, id)
		}
		tests = append(tests, t)
	}
	return tests, nil
}

func concat(a, b []command.Spec) []command.Spec {
	out := make([]command.Spec, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}
