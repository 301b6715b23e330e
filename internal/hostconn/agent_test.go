package hostconn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/andrej220/stagehand/internal/lg"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

func fakeAgent(t *testing.T, events []dm.AgentEvent) *httptest.Server {
	var mu sync.Mutex
	files := map[string][]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc(AgentExecPath, func(w http.ResponseWriter, r *http.Request) {
		var req dm.AgentExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		enc := json.NewEncoder(w)
		for _, ev := range events {
			enc.Encode(ev)
		}
	})
	mux.HandleFunc(AgentFilesPath, func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			files[path] = data
		case http.MethodGet:
			data, ok := files[path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAgentExecute(t *testing.T) {
	srv := fakeAgent(t, []dm.AgentEvent{
		{Stream: "stdout", Line: "ready"},
		{Stream: "stderr", Line: "careful"},
		{Result: &dm.AgentResult{ExitStatus: 2, ElapsedMs: 15}},
	})
	log, logs := observedLogger()
	conn := NewAgent("mongod.0", srv.URL, afero.NewMemMapFs(), log)
	defer conn.Close()

	res, err := conn.Execute(context.Background(), []string{"false"}, ExecOptions{Capture: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitStatus)
	assert.False(t, res.Success)
	assert.Equal(t, "ready\n", res.Stdout)
	assert.Equal(t, "careful\n", res.Stderr)
	assert.Equal(t, 1, logs.FilterMessage("ready").FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("careful").FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestAgentExecuteTimedOut(t *testing.T) {
	srv := fakeAgent(t, []dm.AgentEvent{{Result: &dm.AgentResult{ExitStatus: TimeoutStatus, TimedOut: true}}})
	conn := NewAgent("mongod.0", srv.URL, nil, lg.Discard)

	res, err := conn.Execute(context.Background(), []string{"sleep", "10"}, ExecOptions{Timeout: 100})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutStatus, res.ExitStatus)
}

func TestAgentExecuteTruncatedStream(t *testing.T) {
	srv := fakeAgent(t, []dm.AgentEvent{{Stream: "stdout", Line: "partial"}})
	conn := NewAgent("mongod.0", srv.URL, nil, lg.Discard)

	_, err := conn.Execute(context.Background(), []string{"true"}, ExecOptions{})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestAgentUnreachable(t *testing.T) {
	srv := fakeAgent(t, nil)
	url := srv.URL
	srv.Close()

	conn := NewAgent("mongod.0", url, nil, lg.Discard)
	_, err := conn.Execute(context.Background(), []string{"true"}, ExecOptions{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "mongod.0", te.Alias)
}

func TestAgentFiles(t *testing.T) {
	srv := fakeAgent(t, nil)
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/local/workload.js", []byte("load()"), 0o644))
	conn := NewAgent("workload_client.0", srv.URL, fsys, lg.Discard)
	ctx := context.Background()

	require.NoError(t, conn.UploadFile(ctx, "/local/workload.js", "/home/ubuntu/workload.js"))
	require.NoError(t, conn.CreateFile(ctx, "/home/ubuntu/env", []byte("A=1")))
	require.NoError(t, conn.DownloadFile(ctx, "/home/ubuntu/workload.js", "/results/workload.js"))
	require.NoError(t, conn.DownloadFile(ctx, "/home/ubuntu/env", "/results/env"))

	got, err := afero.ReadFile(fsys, "/results/workload.js")
	require.NoError(t, err)
	assert.Equal(t, "load()", string(got))
	got, err = afero.ReadFile(fsys, "/results/env")
	require.NoError(t, err)
	assert.Equal(t, "A=1", string(got))

	err = conn.DownloadFile(ctx, "/nope", "/results/nope")
	assert.ErrorIs(t, err, ErrTransport)

	_, err = conn.Forward(ctx, "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrUnsupported)
}
