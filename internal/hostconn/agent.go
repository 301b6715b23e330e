package hostconn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/afero"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/lg"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

const (
	DefaultAgentPort = 8765

	AgentExecPath   = "/v1/exec"
	AgentFilesPath  = "/v1/files"
	AgentHealthPath = "/healthz"

	maxEventSize = 1 << 20
)

type AgentConfig struct {
	Port   int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Scheme string `yaml:"scheme" json:"scheme" validate:"omitempty,oneof=http https"`
}

// Agent drives a stagehand agent daemon over HTTP. Commands run on the agent's
// machine; their output is streamed back as NDJSON events.
type Agent struct {
	alias  string
	client *resty.Client
	fs     afero.Fs
	log    lg.Logger
}

// NewAgent prepares a client for the agent at baseURL. No request is made.
func NewAgent(alias, baseURL string, fsys afero.Fs, log lg.Logger) *Agent {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Agent{
		alias:  alias,
		client: resty.New().SetBaseURL(baseURL),
		fs:     fsys,
		log:    lg.OrDiscard(log).With(lg.String("host", alias)),
	}
}

func (a *Agent) Alias() string { return a.alias }

func (a *Agent) Execute(ctx context.Context, argv []string, opts ExecOptions) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("%w: empty command line for %s", command.ErrConfiguration, a.alias)
	}
	res := Result{Alias: a.alias, Argv: argv}

	req := dm.AgentExecRequest{Argv: argv, TimeoutMs: opts.Timeout.Milliseconds(), PTY: opts.PTY}
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post(AgentExecPath)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, transportFault(a.alias, "exec", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return res, transportFault(a.alias, "exec", statusError(resp.StatusCode(), body))
	}

	out := newOutput(a.log, opts)
	final, err := readEvents(body, out)
	out.collect(&res)
	if err != nil {
		if ctx.Err() != nil {
			res.settle(-1, false)
			return res, ctx.Err()
		}
		return res, transportFault(a.alias, "exec stream", err)
	}
	res.Elapsed = time.Duration(final.ElapsedMs) * time.Millisecond
	res.settle(final.ExitStatus, final.TimedOut)
	if final.TimedOut {
		a.log.Warn("command timed out", lg.Strings("argv", argv), lg.Duration("timeout", opts.Timeout))
	}
	return res, nil
}

// readEvents feeds output events into out until the final result event arrives.
func readEvents(r io.Reader, out outputPair) (*dm.AgentResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for scanner.Scan() {
		var ev dm.AgentEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		switch {
		case ev.Error != "":
			return nil, errors.New(ev.Error)
		case ev.Result != nil:
			return ev.Result, nil
		case ev.Stream == string(Stderr):
			out.stderr.Write([]byte(ev.Line + "\n"))
		default:
			out.stdout.Write([]byte(ev.Line + "\n"))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func statusError(code int, body io.Reader) error {
	msg, _ := io.ReadAll(io.LimitReader(body, 4096))
	return fmt.Errorf("agent returned status %d: %s", code, strings.TrimSpace(string(msg)))
}

func (a *Agent) putFile(ctx context.Context, op, remotePath string, body io.Reader) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("path", remotePath).
		SetBody(body).
		Put(AgentFilesPath)
	if err != nil {
		return transportFault(a.alias, op, err)
	}
	if resp.IsError() {
		return transportFault(a.alias, op, fmt.Errorf("agent returned status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())))
	}
	return nil
}

func (a *Agent) UploadFile(ctx context.Context, localPath, remotePath string) error {
	in, err := a.fs.Open(localPath)
	if err != nil {
		return transportFault(a.alias, "upload", err)
	}
	defer in.Close()
	return a.putFile(ctx, "upload", remotePath, in)
}

func (a *Agent) CreateFile(ctx context.Context, path string, contents []byte) error {
	return a.putFile(ctx, "create file", path, strings.NewReader(string(contents)))
}

func (a *Agent) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("path", remotePath).
		SetDoNotParseResponse(true).
		Get(AgentFilesPath)
	if err != nil {
		return transportFault(a.alias, "download", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return transportFault(a.alias, "download", statusError(resp.StatusCode(), body))
	}
	if err := writeFrom(a.fs, localPath, body); err != nil {
		return transportFault(a.alias, "download", err)
	}
	return nil
}

func (a *Agent) Forward(context.Context, string) (net.Listener, error) {
	return nil, transportFault(a.alias, "forward", ErrUnsupported)
}

func (a *Agent) Close() error {
	a.client.GetClient().CloseIdleConnections()
	return nil
}
