package hostconn

import (
	"bytes"
	"strings"
	"sync"

	"github.com/andrej220/stagehand/internal/lg"
)

// lineWriter streams process output to the log one line at a time:
// stdout at info level, stderr at warn level. Lines are emitted as soon
// as they are complete, so output of a killed command is not lost.
type lineWriter struct {
	mu      sync.Mutex
	stream  Stream
	log     lg.Logger
	onLine  func(Stream, string)
	capture *bytes.Buffer
	partial []byte
}

func newLineWriter(stream Stream, log lg.Logger, opts ExecOptions) *lineWriter {
	w := &lineWriter{stream: stream, log: log, onLine: opts.OnLine}
	if opts.Capture {
		w.capture = new(bytes.Buffer)
	}
	return w
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.capture != nil {
		w.capture.Write(p)
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that was not newline terminated.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.capture == nil {
		return ""
	}
	return w.capture.String()
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimSuffix(line, "\r")
	if w.stream == Stderr {
		w.log.Warn(line, lg.String("stream", string(w.stream)))
	} else {
		w.log.Info(line, lg.String("stream", string(w.stream)))
	}
	if w.onLine != nil {
		w.onLine(w.stream, line)
	}
}

type outputPair struct {
	stdout, stderr *lineWriter
}

func newOutput(log lg.Logger, opts ExecOptions) outputPair {
	return outputPair{
		stdout: newLineWriter(Stdout, log, opts),
		stderr: newLineWriter(Stderr, log, opts),
	}
}

// collect flushes both streams into the result.
func (o outputPair) collect(res *Result) {
	o.stdout.Flush()
	o.stderr.Flush()
	res.Stdout = o.stdout.String()
	res.Stderr = o.stderr.String()
}
