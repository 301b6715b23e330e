// Package inbound accepts command requests submitted over a plain socket,
// typically reached through a tunnel opened on a worker host, and runs them.
//
// Protocol: the peer writes one JSON document, a spec object or an array of
// specs, and reads back one newline-terminated JSON reply. Requests are not
// framed: every non-empty read of up to the chunk size is taken as exactly one
// request, so a peer must wait for the reply before sending the next one.
// JSON_ERROR answers a request that is not valid JSON. A well-formed document
// that is not a command (a scalar, an empty array, a field of the wrong type)
// is answered with EXECUTION_ERROR, like a command that fails.
package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/dispatcher"
	"github.com/andrej220/stagehand/internal/lg"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

const (
	DefaultChunkSize = 64 << 10
	MessageOK        = "Request executed"
)

// Reply status codes.
const (
	CodeOK = iota
	CodeJSONError
	CodeExecutionError
)

var ErrServerClosed = errors.New("inbound: server closed")

// Runner executes a stage. *dispatcher.Dispatcher implements it.
type Runner interface {
	RunStage(ctx context.Context, stage string, specs []command.Spec, policy dispatcher.Policy, resolver dispatcher.HostResolver) (*dispatcher.StageResult, error)
}

type Server struct {
	log      lg.Logger
	runner   Runner
	resolver dispatcher.HostResolver
	chunk    int
	onResult func(*dispatcher.StageResult)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	active net.Conn
	closed bool
	done   chan struct{}
}

type Option func(*Server)

func WithChunkSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// WithResultHook observes the result of every executed request.
func WithResultHook(fn func(*dispatcher.StageResult)) Option {
	return func(s *Server) { s.onResult = fn }
}

func New(log lg.Logger, runner Runner, resolver dispatcher.HostResolver, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:      lg.OrDiscard(log).With(lg.String("stage", string(command.Inbound))),
		runner:   runner,
		resolver: resolver,
		chunk:    DefaultChunkSize,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln one at a time until the server is closed.
// It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening for inbound requests", lg.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("inbound accept: %w", err)
		}
		if !s.setActive(conn) {
			conn.Close()
			return nil
		}
		s.handle(conn)
		s.setActive(nil)
	}
}

// Start runs Serve on a background goroutine.
func (s *Server) Start(ln net.Listener) {
	s.mu.Lock()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.log.Error("inbound server stopped", lg.Err(err))
		}
	}()
}

// Close stops accepting, drops the active connection, cancels a running
// request and waits for a Start-ed loop to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	if s.active != nil {
		s.active.Close()
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) setActive(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && c != nil {
		return false
	}
	s.active = c
	return true
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	log := s.log.With(lg.String("peer", conn.RemoteAddr().String()))
	log.Debug("inbound connection accepted")

	buf := make([]byte, s.chunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			reply := s.process(log, buf[:n])
			if werr := writeReply(conn, reply); werr != nil {
				log.Warn("cannot write reply", lg.Err(werr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				log.Warn("inbound read", lg.Err(err))
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func (s *Server) process(log lg.Logger, data []byte) dm.Reply {
	log = log.With(lg.String("request", uuid.NewString()))

	specs, err := DecodeRequest(data)
	if errors.Is(err, ErrInvalidRequest) {
		log.Warn("inbound request is not a command", lg.Err(err))
		return dm.Reply{StatusCode: CodeExecutionError, Status: dm.StatusExecutionError, Message: err.Error()}
	}
	if err != nil {
		log.Warn("malformed inbound request", lg.Err(err))
		return dm.Reply{StatusCode: CodeJSONError, Status: dm.StatusJSONError, Message: err.Error()}
	}
	log.Info("executing inbound request", lg.Int("specs", len(specs)))

	res, err := s.runner.RunStage(s.ctx, string(command.Inbound), specs, dispatcher.Reraise, s.resolver)
	if res != nil && s.onResult != nil {
		s.onResult(res)
	}
	if err != nil {
		return dm.Reply{StatusCode: CodeExecutionError, Status: dm.StatusExecutionError, Message: err.Error()}
	}
	return dm.Reply{StatusCode: CodeOK, Status: dm.StatusOK, Message: MessageOK}
}

// ErrInvalidRequest marks a well-formed JSON document that is not a command.
var ErrInvalidRequest = errors.New("request is not a command")

// DecodeRequest parses a spec object or an array of specs. Syntax errors are
// returned as the parser reports them; other failures wrap ErrInvalidRequest.
func DecodeRequest(data []byte) ([]command.Spec, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty request")
	}
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch data[0] {
	case '[':
		var specs []command.Spec
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("%w: empty list", ErrInvalidRequest)
		}
		return specs, nil
	case '{':
		var spec command.Spec
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return []command.Spec{spec}, nil
	}
	return nil, fmt.Errorf("%w: expected an object or an array, got %s", ErrInvalidRequest, data)
}

func writeReply(w io.Writer, r dm.Reply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
