// Package agent implements the stagehand agent daemon: an HTTP endpoint that
// runs commands and moves files on its own machine for a remote orchestrator.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/stagehand/internal/hostconn"
	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/internal/serverutil"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

const ndjson = "application/x-ndjson"

type Agent struct {
	// newConn gives every exec request a Local connection of its own.
	newConn func() hostconn.Conn
	fs      afero.Fs
	log     lg.Logger
}

// New creates an agent executing through Local connections named alias.
func New(alias string, fsys afero.Fs, log lg.Logger) *Agent {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	log = lg.OrDiscard(log)
	return &Agent{
		newConn: func() hostconn.Conn { return hostconn.NewLocal(alias, fsys, log) },
		fs:      fsys,
		log:     log,
	}
}

func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+hostconn.AgentExecPath, serverutil.NewValidationHandler[dm.AgentExecRequest](http.HandlerFunc(a.exec)))
	mux.HandleFunc("PUT "+hostconn.AgentFilesPath, a.putFile)
	mux.HandleFunc("GET "+hostconn.AgentFilesPath, a.getFile)
	mux.HandleFunc("GET "+hostconn.AgentHealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

// Run serves the agent until ctx is cancelled.
func (a *Agent) Run(ctx context.Context, cfg serverutil.ServerConfig) error {
	return serverutil.RunServer(ctx, a.Handler(), cfg, a.log)
}

// exec streams output lines as they are produced and ends with the result event.
func (a *Agent) exec(w http.ResponseWriter, r *http.Request) {
	req, _ := serverutil.RequestFrom[dm.AgentExecRequest](r.Context())
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", ndjson)
	w.WriteHeader(http.StatusOK)

	conn := a.newConn()
	defer conn.Close()

	events := make(chan dm.AgentEvent, 64)
	var g errgroup.Group
	g.Go(func() error {
		defer close(events)
		res, err := conn.Execute(r.Context(), req.Argv, hostconn.ExecOptions{
			Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
			PTY:     req.PTY,
			OnLine: func(stream hostconn.Stream, line string) {
				events <- dm.AgentEvent{Stream: string(stream), Line: line}
			},
		})
		if err != nil {
			events <- dm.AgentEvent{Error: err.Error()}
			return err
		}
		events <- dm.AgentEvent{Result: &dm.AgentResult{
			ExitStatus: res.ExitStatus,
			ElapsedMs:  res.Elapsed.Milliseconds(),
			TimedOut:   res.TimedOut,
		}}
		return nil
	})
	g.Go(func() error {
		enc := json.NewEncoder(w)
		var werr error
		for ev := range events {
			if werr != nil {
				continue
			}
			if werr = enc.Encode(ev); werr == nil && flusher != nil {
				flusher.Flush()
			}
		}
		return werr
	})
	if err := g.Wait(); err != nil {
		a.log.Warn("exec request", lg.Strings("argv", req.Argv), lg.Err(err))
	}
}

func (a *Agent) putFile(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	if err := a.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f, err := a.fs.Create(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	n, err := io.Copy(f, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.log.Debug("file written", lg.String("path", path), lg.Int("bytes", int(n)))
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) getFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	f, err := a.fs.Open(path)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, fs.ErrNotExist) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		a.log.Warn("file read", lg.String("path", path), lg.Err(err))
	}
}
