package hostconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/lg"
)

// waitDelay bounds how long Wait keeps reading output after the process is gone,
// e.g. when a killed shell left a child holding the pipes open.
const waitDelay = 200 * time.Millisecond

// Local runs commands as child processes of this machine.
type Local struct {
	alias string
	fs    afero.Fs
	log   lg.Logger
}

func NewLocal(alias string, fsys afero.Fs, log lg.Logger) *Local {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Local{alias: alias, fs: fsys, log: lg.OrDiscard(log).With(lg.String("host", alias))}
}

func (l *Local) Alias() string { return l.alias }

func (l *Local) Execute(ctx context.Context, argv []string, opts ExecOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("%w: empty command line for %s", command.ErrConfiguration, l.alias)
	}
	res := Result{Alias: l.alias, Argv: argv}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	out := newOutput(l.log, opts)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = out.stdout
	cmd.Stderr = out.stderr
	cmd.WaitDelay = waitDelay

	l.log.Debug("executing", lg.Strings("argv", argv), lg.Duration("timeout", opts.Timeout))
	started := time.Now()
	err := cmd.Run()
	res.Elapsed = time.Since(started)
	out.collect(&res)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.settle(0, false)
	case opts.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		l.log.Warn("command timed out", lg.Strings("argv", argv), lg.Duration("timeout", opts.Timeout))
		res.settle(TimeoutStatus, true)
	case ctx.Err() != nil:
		res.settle(-1, false)
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.settle(exitErr.ExitCode(), false)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		// same status a shell reports for a command it cannot run
		l.log.Error("cannot start command", lg.Strings("argv", argv), lg.Err(err))
		res.Stderr += err.Error()
		res.settle(127, false)
	default:
		l.log.Error("command failed", lg.Strings("argv", argv), lg.Err(err))
		res.Stderr += err.Error()
		res.settle(-1, false)
	}
	return res, nil
}

func (l *Local) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if err := copyFile(ctx, l.fs, localPath, l.fs, remotePath); err != nil {
		return transportFault(l.alias, "upload", err)
	}
	return nil
}

func (l *Local) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := copyFile(ctx, l.fs, remotePath, l.fs, localPath); err != nil {
		return transportFault(l.alias, "download", err)
	}
	return nil
}

func (l *Local) CreateFile(_ context.Context, path string, contents []byte) error {
	if err := l.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return transportFault(l.alias, "create file", err)
	}
	if err := afero.WriteFile(l.fs, path, contents, 0o644); err != nil {
		return transportFault(l.alias, "create file", err)
	}
	return nil
}

func (l *Local) Forward(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, transportFault(l.alias, "listen", err)
	}
	return ln, nil
}

func (l *Local) Close() error { return nil }

func copyFile(ctx context.Context, srcFs afero.Fs, src string, dstFs afero.Fs, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := srcFs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFrom(dstFs, dst, in)
}

// writeFrom creates dst, including missing parent directories, and fills it from r.
func writeFrom(fsys afero.Fs, dst string, r io.Reader) error {
	if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := fsys.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
