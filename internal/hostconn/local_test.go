package hostconn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/lg"
)

func observedLogger() (lg.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return lg.NewZap(zap.New(core)), logs
}

func TestLocalExecute(t *testing.T) {
	tests := []struct {
		name       string
		argv       []string
		wantStatus int
		wantOut    string
		wantErrOut string
	}{
		{name: "success", argv: []string{"sh", "-c", "echo hello"}, wantStatus: 0, wantOut: "hello\n"},
		{name: "non-zero exit", argv: []string{"sh", "-c", "echo oops >&2; exit 3"}, wantStatus: 3, wantErrOut: "oops\n"},
		{name: "missing binary", argv: []string{"/nonexistent/stagehand-binary"}, wantStatus: 127},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewLocal("localhost.0", afero.NewMemMapFs(), lg.Discard)
			res, err := conn.Execute(context.Background(), tt.argv, ExecOptions{Capture: true})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.ExitStatus)
			assert.Equal(t, tt.wantStatus == 0, res.Success)
			assert.False(t, res.TimedOut)
			assert.Equal(t, "localhost.0", res.Alias)
			if tt.wantOut != "" {
				assert.Equal(t, tt.wantOut, res.Stdout)
			}
			if tt.wantErrOut != "" {
				assert.Equal(t, tt.wantErrOut, res.Stderr)
			}
		})
	}
}

func TestLocalExecuteEmptyArgv(t *testing.T) {
	conn := NewLocal("localhost.0", nil, nil)
	_, err := conn.Execute(context.Background(), nil, ExecOptions{})
	assert.ErrorIs(t, err, command.ErrConfiguration)
}

func TestLocalExecuteStreamsByLevel(t *testing.T) {
	log, logs := observedLogger()
	var mu sync.Mutex
	var seen []string
	conn := NewLocal("localhost.0", nil, log)

	res, err := conn.Execute(context.Background(),
		[]string{"sh", "-c", "echo out1; echo err1 >&2; printf out2"},
		ExecOptions{OnLine: func(s Stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, string(s)+":"+line)
		}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Stdout, "output is not retained without Capture")

	assert.Equal(t, 1, logs.FilterMessage("out1").FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("out2").FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("err1").FilterLevelExact(zapcore.WarnLevel).Len())
	assert.ElementsMatch(t, []string{"stdout:out1", "stdout:out2", "stderr:err1"}, seen)
}

func TestLocalExecuteTimeout(t *testing.T) {
	conn := NewLocal("localhost.0", nil, lg.Discard)

	started := time.Now()
	res, err := conn.Execute(context.Background(), []string{"sleep", "10"}, ExecOptions{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Equal(t, TimeoutStatus, res.ExitStatus)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 100*time.Millisecond+waitDelay+300*time.Millisecond)
}

func TestLocalExecuteTimeoutKeepsPartialOutput(t *testing.T) {
	log, logs := observedLogger()
	conn := NewLocal("localhost.0", nil, log)

	res, err := conn.Execute(context.Background(),
		[]string{"sh", "-c", "echo started; sleep 10"},
		ExecOptions{Timeout: 300 * time.Millisecond, Capture: true})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Stdout, "started")
	assert.Equal(t, 1, logs.FilterMessage("started").Len())
}

func TestLocalExecuteCancelled(t *testing.T) {
	conn := NewLocal("localhost.0", nil, lg.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := conn.Execute(ctx, []string{"sleep", "10"}, ExecOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)
}

func TestLocalFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	conn := NewLocal("localhost.0", fsys, lg.Discard)
	ctx := context.Background()

	require.NoError(t, conn.CreateFile(ctx, "/work/conf/mongod.conf", []byte("port: 27017\n")))
	require.NoError(t, conn.UploadFile(ctx, "/work/conf/mongod.conf", "/remote/etc/mongod.conf"))
	require.NoError(t, conn.DownloadFile(ctx, "/remote/etc/mongod.conf", "/results/mongod.conf"))

	got, err := afero.ReadFile(fsys, "/results/mongod.conf")
	require.NoError(t, err)
	assert.Equal(t, "port: 27017\n", string(got))

	err = conn.UploadFile(ctx, "/missing", "/remote/missing")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestLocalForward(t *testing.T) {
	conn := NewLocal("localhost.0", nil, lg.Discard)
	ln, err := conn.Forward(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c.Close()
}

func TestLineWriterSplitsChunks(t *testing.T) {
	log, logs := observedLogger()
	w := newLineWriter(Stdout, log, ExecOptions{Capture: true})
	w.Write([]byte("par"))
	w.Write([]byte("tial\nsecond\r\nthi"))
	assert.Equal(t, 2, logs.Len())
	w.Flush()
	assert.Equal(t, 3, logs.Len())
	assert.Equal(t, []string{"partial", "second", "thi"}, messages(logs))
	assert.Equal(t, "partial\nsecond\r\nthi", w.String())
}

func messages(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.All() {
		out = append(out, e.Message)
	}
	return out
}

func TestFactorySelectsLocal(t *testing.T) {
	f := &Factory{Default: MechanismSSH}
	for _, addr := range []string{"localhost", "127.0.0.1", "::1", ""} {
		conn, err := f.New(context.Background(), Target{Alias: "workload_client.0", Address: addr})
		require.NoError(t, err, addr)
		_, ok := conn.(*Local)
		assert.True(t, ok, addr)
		assert.Equal(t, "workload_client.0", conn.Alias())
	}
}

func TestFactoryAgentAndErrors(t *testing.T) {
	f := &Factory{Agent: AgentConfig{Port: 9000}}
	conn, err := f.New(context.Background(), Target{Alias: "mongod.0", Address: "10.1.2.3", Mechanism: MechanismAgent})
	require.NoError(t, err)
	_, ok := conn.(*Agent)
	assert.True(t, ok)

	_, err = f.New(context.Background(), Target{Alias: "mongod.1", Address: "10.1.2.4", Mechanism: "telnet"})
	assert.ErrorIs(t, err, command.ErrConfiguration)

	_, err = f.New(context.Background(), Target{Address: "10.1.2.4"})
	assert.ErrorIs(t, err, command.ErrConfiguration)
}

func TestFactorySSHWithoutCredentials(t *testing.T) {
	f := &Factory{Default: MechanismSSH}
	_, err := f.New(context.Background(), Target{Alias: "mongod.0", Address: "10.1.2.3"})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestIsLocal(t *testing.T) {
	assert.True(t, IsLocal("localhost:22"))
	assert.True(t, IsLocal("127.0.0.2"))
	assert.False(t, IsLocal("10.0.0.1"))
	assert.False(t, IsLocal("db.example.com"))
}
