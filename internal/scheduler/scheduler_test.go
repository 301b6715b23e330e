package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/dispatcher"
	"github.com/andrej220/stagehand/internal/lg"
)

type call struct {
	name   string
	stage  string
	policy dispatcher.Policy
	at     time.Time
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []call
	hold  time.Duration
}

func (r *recordingRunner) RunStage(_ context.Context, stage string, specs []command.Spec, policy dispatcher.Policy, _ dispatcher.HostResolver) (*dispatcher.StageResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{name: specs[0].Name, stage: stage, policy: policy, at: time.Now()})
	r.mu.Unlock()
	time.Sleep(r.hold)
	return &dispatcher.StageResult{Stage: stage, Policy: policy}, nil
}

func (r *recordingRunner) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.name)
	}
	return out
}

func timed(name string, at time.Duration) command.TimedSpec {
	d := command.Duration(at)
	return command.TimedSpec{
		At:   &d,
		Spec: command.Spec{Name: name, Target: command.MustSelector("mongod.0"), Exec: []string{"true"}},
	}
}

func TestStopAbandonsPendingEntries(t *testing.T) {
	runner := &recordingRunner{}
	start := time.Now()
	s, err := New(lg.Discard, runner, nil, start, []command.TimedSpec{
		timed("five", 500*time.Millisecond),
		timed("one", 100*time.Millisecond),
		timed("two", 200*time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, Created, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Running, s.State())

	time.Sleep(time.Until(start.Add(300 * time.Millisecond)))
	s.Stop()
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, []string{"one", "two"}, runner.names())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, runner.names(), "the 500ms entry never runs")
	assert.Len(t, s.Results(), 2)

	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestEntriesRunInOrderWithContinue(t *testing.T) {
	runner := &recordingRunner{}
	start := time.Now()
	s, err := New(lg.Discard, runner, nil, start,
		[]command.TimedSpec{timed("cluster", 60*time.Millisecond)},
		[]command.TimedSpec{timed("stage", 20*time.Millisecond)},
		[]command.TimedSpec{timed("test", 40*time.Millisecond)},
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not exhaust")
	}
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, []string{"stage", "test", "cluster"}, runner.names())
	for _, c := range runner.calls {
		assert.Equal(t, string(command.DuringTest), c.stage)
		assert.Equal(t, dispatcher.Continue, c.policy)
	}
	assert.False(t, runner.calls[0].at.Before(start.Add(20*time.Millisecond)))
}

func TestStopWaitsForInFlightEntry(t *testing.T) {
	runner := &recordingRunner{hold: 200 * time.Millisecond}
	s, err := New(lg.Discard, runner, nil, time.Now(), []command.TimedSpec{
		timed("long", 0),
		timed("next", 100*time.Millisecond),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	stopped := time.Now()
	s.Stop()
	assert.GreaterOrEqual(t, time.Since(stopped), 100*time.Millisecond, "Stop blocks until the running entry finishes")
	assert.Equal(t, []string{"long"}, runner.names())
}

func TestMissingOffsetIsConfigurationError(t *testing.T) {
	entry := timed("x", time.Second)
	entry.At = nil
	_, err := New(lg.Discard, &recordingRunner{}, nil, time.Now(), []command.TimedSpec{entry})
	assert.ErrorIs(t, err, command.ErrConfiguration)
}

func TestDuplicateTimestampOverwrites(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s, err := New(lg.NewZap(zap.New(core)), &recordingRunner{}, nil, time.Now(),
		[]command.TimedSpec{timed("first", time.Second)},
		[]command.TimedSpec{timed("second", time.Second)},
	)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "second", s.entries[0].spec.Name)
	assert.Equal(t, 1, logs.Len())
}

func TestStopBeforeStart(t *testing.T) {
	s, err := New(lg.Discard, &recordingRunner{}, nil, time.Now(), nil)
	require.NoError(t, err)
	s.Stop()
	assert.Equal(t, Stopped, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}
