package hostconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/lg"
)

// killGrace bounds the wait for a session to wind down after SIGKILL.
const killGrace = 2 * time.Second

// SSH runs commands on a remote machine over one ssh client connection.
// Every execution opens its own channel; Close releases all of them.
type SSH struct {
	alias  string
	client *resilientClient
	fs     afero.Fs
	log    lg.Logger

	mu       sync.Mutex
	sessions map[*ssh.Session]struct{}
	closed   bool
}

// DialSSH connects to addr ("host:port") with cfg.
func DialSSH(ctx context.Context, alias, addr string, cfg SSHConfig, rc ResilienceConfig, fsys afero.Fs, log lg.Logger) (*SSH, error) {
	config, err := cfg.clientConfig()
	if err != nil {
		return nil, transportFault(alias, "configure", err)
	}
	client, err := dialResilient(ctx, addr, config, rc)
	if err != nil {
		return nil, transportFault(alias, "dial", err)
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &SSH{
		alias:    alias,
		client:   client,
		fs:       fsys,
		log:      lg.OrDiscard(log).With(lg.String("host", alias)),
		sessions: make(map[*ssh.Session]struct{}),
	}, nil
}

func (s *SSH) Alias() string { return s.alias }

func (s *SSH) openSession() (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transportFault(s.alias, "new session", net.ErrClosed)
	}
	sess, err := s.client.newSession()
	if err != nil {
		return nil, transportFault(s.alias, "new session", err)
	}
	s.sessions[sess] = struct{}{}
	return sess, nil
}

func (s *SSH) release(sess *ssh.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	sess.Close()
}

func (s *SSH) Execute(ctx context.Context, argv []string, opts ExecOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("%w: empty command line for %s", command.ErrConfiguration, s.alias)
	}
	res := Result{Alias: s.alias, Argv: argv}

	sess, err := s.openSession()
	if err != nil {
		return res, err
	}
	defer s.release(sess)

	out := newOutput(s.log, opts)
	sess.Stdout = out.stdout
	sess.Stderr = out.stderr
	if opts.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
			return res, transportFault(s.alias, "request pty", err)
		}
	}

	cmdline := shellescape.QuoteCommand(argv)
	s.log.Debug("executing", lg.String("cmd", cmdline), lg.Duration("timeout", opts.Timeout))
	started := time.Now()
	if err := sess.Start(cmdline); err != nil {
		return res, transportFault(s.alias, "start", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var expired <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err = <-done:
	case <-expired:
		s.kill(sess, done)
		res.Elapsed = time.Since(started)
		out.collect(&res)
		s.log.Warn("command timed out", lg.String("cmd", cmdline), lg.Duration("timeout", opts.Timeout))
		res.settle(TimeoutStatus, true)
		return res, nil
	case <-ctx.Done():
		s.kill(sess, done)
		res.Elapsed = time.Since(started)
		out.collect(&res)
		res.settle(-1, false)
		return res, ctx.Err()
	}
	res.Elapsed = time.Since(started)
	out.collect(&res)

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		res.settle(0, false)
	case errors.As(err, &exitErr):
		res.settle(exitErr.ExitStatus(), false)
	case errors.As(err, &missing):
		s.log.Warn("remote command exited without status", lg.String("cmd", cmdline))
		res.settle(-1, false)
	default:
		return res, transportFault(s.alias, "wait", err)
	}
	return res, nil
}

// kill terminates the remote process and waits a bounded time for the session to end.
func (s *SSH) kill(sess *ssh.Session, done <-chan error) {
	if err := sess.Signal(ssh.SIGKILL); err != nil {
		s.log.Debug("signal failed", lg.Err(err))
	}
	sess.Close()
	select {
	case <-done:
	case <-time.After(killGrace):
	}
}

// pipe runs cmdline in a fresh session wired to stdin/stdout and waits for it.
func (s *SSH) pipe(ctx context.Context, op, cmdline string, stdin io.Reader, stdout io.Writer) error {
	sess, err := s.openSession()
	if err != nil {
		return err
	}
	defer s.release(sess)

	var stderr bytes.Buffer
	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmdline) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	}
	if err != nil {
		return transportFault(s.alias, op, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return nil
}

func remoteWrite(remotePath string) string {
	return fmt.Sprintf("mkdir -p %s && cat > %s",
		shellescape.Quote(path.Dir(remotePath)), shellescape.Quote(remotePath))
}

func (s *SSH) UploadFile(ctx context.Context, localPath, remotePath string) error {
	in, err := s.fs.Open(localPath)
	if err != nil {
		return transportFault(s.alias, "upload", err)
	}
	defer in.Close()
	s.log.Debug("uploading", lg.String("local", localPath), lg.String("remote", remotePath))
	return s.pipe(ctx, "upload", remoteWrite(remotePath), in, io.Discard)
}

func (s *SSH) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	var buf bytes.Buffer
	s.log.Debug("downloading", lg.String("remote", remotePath), lg.String("local", localPath))
	if err := s.pipe(ctx, "download", "cat "+shellescape.Quote(remotePath), nil, &buf); err != nil {
		return err
	}
	if err := writeFrom(s.fs, localPath, &buf); err != nil {
		return transportFault(s.alias, "download", err)
	}
	return nil
}

func (s *SSH) CreateFile(ctx context.Context, remotePath string, contents []byte) error {
	return s.pipe(ctx, "create file", remoteWrite(remotePath), bytes.NewReader(contents), io.Discard)
}

// Forward asks the remote sshd to listen on addr and tunnel connections back here.
func (s *SSH) Forward(_ context.Context, addr string) (net.Listener, error) {
	ln, err := s.client.client.Listen("tcp", addr)
	if err != nil {
		return nil, transportFault(s.alias, "remote forward", err)
	}
	return ln, nil
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var result error
	for sess := range s.sessions {
		if err := sess.Close(); err != nil && !errors.Is(err, io.EOF) {
			result = multierror.Append(result, err)
		}
		delete(s.sessions, sess)
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	return result
}
